// Command guardian-agent is the per-host SSH Guardian agent: it tails
// the local SSH auth log, inventories and mutates the host firewall,
// and reports to guardiand.
//
// Bare invocation (no subcommand) runs the reporting loop in the
// foreground — this is what the installed systemd unit's ExecStart
// invokes. Every other subcommand is an operator-facing management
// command layered on top of systemctl/journalctl.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sshguardian/core/internal/agent/client"
	"github.com/sshguardian/core/internal/agent/firewall"
	"github.com/sshguardian/core/internal/agent/reporter"
	"github.com/sshguardian/core/internal/agent/tailer"
	"github.com/sshguardian/core/internal/clock"
	"github.com/sshguardian/core/internal/config"
	"github.com/sshguardian/core/internal/logging"
	"github.com/sshguardian/core/internal/wire"
)

const (
	exitOK            = 0
	exitGeneric       = 1
	exitNotInstalled  = 2
	exitServiceFailed = 3
	serviceName       = "ssh-guardian-agent"
	unitPath          = "/etc/systemd/system/" + serviceName + ".service"
	defaultConfigPath = "/etc/ssh-guardian/agent.yaml"
)

var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	configPath := defaultConfigPath
	args := os.Args[1:]
	if len(args) == 0 {
		os.Exit(runForeground(configPath))
	}

	cmd := args[0]
	rest := args[1:]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.StringVar(&configPath, "config", defaultConfigPath, "path to agent config file")
	_ = fs.Parse(rest)

	var code int
	switch cmd {
	case "install":
		code = cmdInstall(configPath)
	case "uninstall":
		code = cmdUninstall()
	case "status":
		code = cmdStatus()
	case "start":
		code = systemctl("start")
	case "stop":
		code = systemctl("stop")
	case "restart":
		code = systemctl("restart")
	case "logs":
		code = cmdLogs(false)
	case "logs-full":
		code = cmdLogs(true)
	case "config":
		code = cmdShowConfig(configPath)
	case "edit-config":
		code = cmdEditConfig(configPath)
	case "test":
		code = cmdTest(configPath)
	case "health":
		code = cmdHealth(configPath)
	case "update":
		code = cmdUpdate(configPath)
	case "info":
		code = cmdInfo(configPath)
	case "help":
		printUsage()
		code = exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", cmd)
		printUsage()
		code = exitGeneric
	}
	os.Exit(code)
}

func printUsage() {
	fmt.Println("guardian-agent " + versionString())
	fmt.Println("usage: guardian-agent [subcommand] [--config path]")
	fmt.Println()
	fmt.Println("subcommands:")
	fmt.Println("  install      register and enable the systemd service")
	fmt.Println("  uninstall    stop, disable, and remove the systemd service")
	fmt.Println("  status       show service status")
	fmt.Println("  start        start the service")
	fmt.Println("  stop         stop the service")
	fmt.Println("  restart      restart the service")
	fmt.Println("  logs         show recent log lines")
	fmt.Println("  logs-full    show the full agent log")
	fmt.Println("  config       print the effective configuration")
	fmt.Println("  edit-config  open the configuration file in $EDITOR")
	fmt.Println("  test         attempt one registration round-trip against the server")
	fmt.Println("  health       run local health checks and a server reachability check")
	fmt.Println("  update       refresh the installed service definition")
	fmt.Println("  info         print version and build information")
	fmt.Println("  help         show this message")
	fmt.Println()
	fmt.Println("With no subcommand, runs the reporting loop in the foreground.")
}

// runForeground is what the installed systemd unit's ExecStart invokes:
// load config, wire the tailer/firewall/client/reporter, and run until
// a termination signal arrives.
func runForeground(configPath string) int {
	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitGeneric
	}
	log := logging.New(false)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	t, err := tailer.New(cfg.AuthLogPath, cfg.StateFile)
	if err != nil {
		log.Error("failed to open tailer", "error", err)
		return exitGeneric
	}

	fw := buildFirewallAdapter(cfg, log)
	c := client.New(cfg.ServerURL, cfg.APIKey, cfg.AgentID, 30*time.Second)

	r := reporter.New(cfg, configPath, c, t, fw, clock.Real{}, log)
	log.Info("guardian-agent starting", "version", versionString(), "server", cfg.ServerURL)
	if err := r.Run(ctx); err != nil {
		log.Error("reporter exited with error", "error", err)
		return exitServiceFailed
	}
	return exitOK
}

// buildFirewallAdapter picks the UFW adapter when ufw is on PATH and
// the operator has not disabled firewall management, falling back to
// the no-op adapter otherwise: the feature is disabled but the agent
// keeps running.
func buildFirewallAdapter(cfg *config.AgentConfig, log *logging.Logger) firewall.Adapter {
	if !cfg.FirewallEnabled {
		return firewall.Noop{}
	}
	if _, err := exec.LookPath("ufw"); err != nil {
		log.Warn("ufw binary not found on PATH, firewall management disabled")
		return firewall.Noop{}
	}
	return firewall.New("ufw")
}

func systemctl(args ...string) int {
	cmd := exec.Command("systemctl", append(args, serviceName)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "systemctl %v: %v\n", args, err)
		return exitServiceFailed
	}
	return exitOK
}

func cmdInstall(configPath string) int {
	exePath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve executable path: %v\n", err)
		return exitGeneric
	}

	unit := fmt.Sprintf(`[Unit]
Description=SSH Guardian Agent
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s --config %s
Restart=on-failure
RestartSec=5
User=root

[Install]
WantedBy=multi-user.target
`, exePath, configPath)

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create config directory: %v\n", err)
		return exitGeneric
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := config.DefaultAgentConfig()
		if err := cfg.Save(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "write default config: %v\n", err)
			return exitGeneric
		}
		fmt.Println("wrote default config to " + configPath)
	}

	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write systemd unit: %v\n", err)
		return exitGeneric
	}
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		fmt.Fprintf(os.Stderr, "systemctl daemon-reload: %v\n", err)
		return exitServiceFailed
	}
	if err := exec.Command("systemctl", "enable", serviceName).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "systemctl enable: %v\n", err)
		return exitServiceFailed
	}
	fmt.Println("installed and enabled " + serviceName + "; run 'guardian-agent start' to begin")
	return exitOK
}

func cmdUninstall() int {
	if _, err := os.Stat(unitPath); os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, serviceName+" is not installed")
		return exitNotInstalled
	}
	_ = exec.Command("systemctl", "stop", serviceName).Run()
	_ = exec.Command("systemctl", "disable", serviceName).Run()
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "remove unit file: %v\n", err)
		return exitGeneric
	}
	_ = exec.Command("systemctl", "daemon-reload").Run()
	fmt.Println("uninstalled " + serviceName)
	return exitOK
}

func cmdStatus() int {
	if _, err := os.Stat(unitPath); os.IsNotExist(err) {
		fmt.Println(serviceName + " is not installed")
		return exitNotInstalled
	}
	cmd := exec.Command("systemctl", "status", serviceName, "--no-pager")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	_ = cmd.Run() // systemctl status's exit code reflects service state, not our own failure
	return exitOK
}

func cmdLogs(full bool) int {
	if _, err := os.Stat(unitPath); os.IsNotExist(err) {
		return journalctlFallback(full)
	}
	args := []string{"-u", serviceName, "--no-pager"}
	if !full {
		args = append(args, "-n", "200")
	}
	cmd := exec.Command("journalctl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "journalctl: %v\n", err)
		return exitGeneric
	}
	return exitOK
}

func journalctlFallback(full bool) int {
	fmt.Fprintln(os.Stderr, serviceName+" is not installed; reading log file directly")
	cfg, err := config.LoadAgentConfig(defaultConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitNotInstalled
	}
	data, err := os.ReadFile(cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read log file: %v\n", err)
		return exitNotInstalled
	}
	if full {
		fmt.Print(string(data))
		return exitOK
	}
	fmt.Print(tailLines(string(data), 200))
	return exitOK
}

func tailLines(s string, n int) string {
	count := 0
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			count++
			if count > n {
				return s[i+1:]
			}
		}
	}
	return s
}

func cmdShowConfig(configPath string) int {
	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitGeneric
	}
	fmt.Printf("server_url: %s\n", cfg.ServerURL)
	fmt.Printf("agent_id: %s\n", cfg.AgentID)
	fmt.Printf("hostname: %s\n", cfg.Hostname)
	fmt.Printf("check_interval: %s\n", cfg.CheckInterval)
	fmt.Printf("batch_size: %d\n", cfg.BatchSize)
	fmt.Printf("heartbeat_interval: %s\n", cfg.HeartbeatInterval)
	fmt.Printf("firewall_sync_interval: %s\n", cfg.FirewallSyncInterval)
	fmt.Printf("firewall_enabled: %t\n", cfg.FirewallEnabled)
	fmt.Printf("auth_log_path: %s\n", cfg.AuthLogPath)
	fmt.Printf("state_file: %s\n", cfg.StateFile)
	fmt.Printf("log_file: %s\n", cfg.LogFile)
	return exitOK
}

func cmdEditConfig(configPath string) int {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}
	cmd := exec.Command(editor, configPath)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", editor, err)
		return exitGeneric
	}
	if _, err := config.LoadAgentConfig(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "edited config does not parse: %v\n", err)
		return exitGeneric
	}
	return exitOK
}

// cmdTest attempts a single registration round-trip against the
// configured server, without starting the reporting
// loop — a quick "can this agent actually reach guardiand" check.
func cmdTest(configPath string) int {
	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitGeneric
	}
	c := client.New(cfg.ServerURL, cfg.APIKey, cfg.AgentID, 10*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := c.Register(ctx, registerRequest(cfg))
	if err != nil {
		fmt.Printf("FAIL: could not reach %s: %v\n", cfg.ServerURL, err)
		return exitGeneric
	}
	if !resp.Success {
		fmt.Printf("FAIL: server rejected registration: %s\n", resp.Message)
		return exitGeneric
	}
	fmt.Printf("OK: reached %s (%s)\n", cfg.ServerURL, resp.Message)
	return exitOK
}

// cmdHealth runs a handful of local checks plus a server reachability
// check; the process exit code equals the count of failed checks, or
// exitGeneric if the config cannot be loaded.
func cmdHealth(configPath string) int {
	failures := 0

	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		fmt.Printf("FAIL config: %v\n", err)
		return exitGeneric // config didn't even load; nothing else is checkable
	}
	fmt.Println("OK   config loaded")

	if _, err := os.Stat(cfg.AuthLogPath); err != nil {
		fmt.Printf("FAIL auth log path %s: %v\n", cfg.AuthLogPath, err)
		failures++
	} else {
		fmt.Println("OK   auth log readable")
	}

	if cfg.FirewallEnabled {
		if _, err := exec.LookPath("ufw"); err != nil {
			fmt.Println("FAIL ufw binary not found on PATH")
			failures++
		} else {
			fmt.Println("OK   ufw binary present")
		}
	} else {
		fmt.Println("SKIP firewall management disabled")
	}

	c := client.New(cfg.ServerURL, cfg.APIKey, cfg.AgentID, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Register(ctx, registerRequest(cfg)); err != nil {
		fmt.Printf("FAIL server reachability: %v\n", err)
		failures++
	} else {
		fmt.Println("OK   server reachable")
	}

	return failures
}

// cmdUpdate refreshes the installed systemd unit to point at the
// currently running binary, picking up a newer binary dropped in place
// by the operator's package manager — this agent ships no self-update
// downloader of its own.
func cmdUpdate(configPath string) int {
	if _, err := os.Stat(unitPath); os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, serviceName+" is not installed; run 'install' first")
		return exitNotInstalled
	}
	return cmdInstall(configPath)
}

func cmdInfo(configPath string) int {
	fmt.Println("guardian-agent " + versionString())
	fmt.Printf("config path: %s\n", configPath)
	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		fmt.Printf("config: failed to load (%v)\n", err)
		return exitOK
	}
	fmt.Printf("agent_id: %s\n", cfg.AgentID)
	fmt.Printf("server_url: %s\n", cfg.ServerURL)
	return exitOK
}

func registerRequest(cfg *config.AgentConfig) wire.RegisterRequest {
	return wire.RegisterRequest{
		AgentID:              cfg.AgentID,
		Hostname:             cfg.Hostname,
		Version:              versionString(),
		HeartbeatIntervalSec: int(cfg.HeartbeatInterval.Seconds()),
	}
}
