package firewall

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/sshguardian/core/internal/wire"
)

// UFW drives Ubuntu's uncomplicated firewall as a subprocess. Every
// invocation is parsed from plain-text output rather than a library
// binding — ufw itself has none — keeping all of that regex parsing
// behind this one adapter.
type UFW struct {
	bin string
}

// New builds a UFW adapter invoking the named binary (normally "ufw",
// resolved via PATH).
func New(bin string) *UFW {
	if bin == "" {
		bin = "ufw"
	}
	return &UFW{bin: bin}
}

var (
	reStatusLine  = regexp.MustCompile(`^Status:\s*(\w+)`)
	reLoggingLine = regexp.MustCompile(`^Logging:\s*\w+\s*\(([a-z]+)\)`)
	reDefaultLine = regexp.MustCompile(`^Default:\s*(\w+)\s*\(incoming\),\s*(\w+)\s*\(outgoing\),\s*(\w+)\s*\(routed\)`)
	reIPv6Line    = regexp.MustCompile(`^IPv6:\s*(\w+)`)
	reVersionLine = regexp.MustCompile(`([\d.]+)`)
	reNumberedRule = regexp.MustCompile(`^\[\s*(\d+)\]\s+(\S+)\s+(ALLOW|DENY|REJECT|LIMIT)\s+(IN|OUT|FWD)?\s*(.*)$`)
)

// Inventory implements Adapter. It runs "ufw status verbose" for the
// overall posture and "ufw status numbered" for the rule list, then
// enumerates listening sockets via gopsutil's connection table.
func (u *UFW) Inventory(ctx context.Context) (wire.UFWData, error) {
	data := wire.UFWData{CollectedAt: time.Now().UTC()}

	verbose, err := u.run(ctx, "status", "verbose")
	if err != nil {
		return data, fmt.Errorf("ufw status verbose: %w", err)
	}
	parseVerboseStatus(verbose.Message, &data)

	if data.Status == "active" {
		numbered, err := u.run(ctx, "status", "numbered")
		if err != nil {
			return data, fmt.Errorf("ufw status numbered: %w", err)
		}
		data.Rules = parseNumberedRules(numbered.Message)
		data.RuleCount = len(data.Rules)
	}

	ver, err := u.run(ctx, "version")
	if err == nil {
		if m := reVersionLine.FindStringSubmatch(ver.Message); m != nil {
			data.Version = m[1]
		}
	}

	ports, err := listeningPorts(ctx)
	if err == nil {
		data.ListeningPorts = ports
	}
	for _, p := range data.ListeningPorts {
		if _, protected := IsProtectedPort(p.Port); protected {
			data.ProtectedPorts = append(data.ProtectedPorts, p.Port)
		}
	}

	return data, nil
}

func parseVerboseStatus(out string, data *wire.UFWData) {
	data.Status = "not_installed"
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case reStatusLine.MatchString(line):
			m := reStatusLine.FindStringSubmatch(line)
			data.Status = strings.ToLower(m[1])
		case reLoggingLine.MatchString(line):
			m := reLoggingLine.FindStringSubmatch(line)
			data.LoggingLevel = m[1]
		case reDefaultLine.MatchString(line):
			m := reDefaultLine.FindStringSubmatch(line)
			data.DefaultIncoming = m[1]
			data.DefaultOutgoing = m[2]
			data.DefaultRouted = m[3]
		case reIPv6Line.MatchString(line):
			m := reIPv6Line.FindStringSubmatch(line)
			data.IPv6Enabled = strings.EqualFold(m[1], "active")
		}
	}
}

func parseNumberedRules(out string) []wire.UFWRuleWire {
	var rules []wire.UFWRuleWire
	for _, line := range strings.Split(out, "\n") {
		m := reNumberedRule.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		num, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		portProto := strings.SplitN(m[2], "/", 2)
		rule := wire.UFWRuleWire{
			Number:    num,
			Action:    strings.ToUpper(m[3]),
			Direction: strings.ToUpper(m[4]),
			Port:      portProto[0],
		}
		if len(portProto) == 2 {
			rule.Protocol = portProto[1]
		}
		from := strings.TrimSpace(m[5])
		if from != "" && !strings.EqualFold(from, "Anywhere") {
			rule.FromIP = from
		}
		rules = append(rules, rule)
	}
	return rules
}

// listeningPorts enumerates TCP/UDP listening sockets via gopsutil,
// resolving the owning process name where the PID is available (it is
// not always resolvable without elevated privileges, which is fine —
// the field is best-effort).
func listeningPorts(ctx context.Context) ([]wire.ListeningPortWire, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}
	var out []wire.ListeningPortWire
	for _, c := range conns {
		if c.Status != "LISTEN" && c.Status != "" {
			continue
		}
		if c.Laddr.Port == 0 {
			continue
		}
		proto := "tcp"
		if c.Type == 2 { // syscall.SOCK_DGRAM
			proto = "udp"
		}
		lp := wire.ListeningPortWire{
			Port:     int(c.Laddr.Port),
			Protocol: proto,
			PID:      int(c.Pid),
		}
		if c.Pid > 0 {
			if p, err := process.NewProcessWithContext(ctx, c.Pid); err == nil {
				if name, err := p.NameWithContext(ctx); err == nil {
					lp.Process = name
				}
			}
		}
		if service, protected := IsProtectedPort(lp.Port); protected {
			lp.Protected = true
			lp.Service = service
		}
		out = append(out, lp)
	}
	return out, nil
}

// Execute implements Adapter, translating one wire command into the
// corresponding ufw invocation(s).
func (u *UFW) Execute(ctx context.Context, cmd wire.AgentCommandWire) (Result, error) {
	switch cmd.Type {
	case wire.CommandAllow:
		return u.run(ctx, allowDenyArgs("allow", cmd.Params)...)
	case wire.CommandDeny:
		if cmd.Params.Port == 0 && cmd.Params.FromIP == "" {
			return Result{Success: false, Message: "deny requires port or from_ip"}, nil
		}
		return u.run(ctx, allowDenyArgs("deny", cmd.Params)...)
	case wire.CommandReject:
		return u.run(ctx, "reject", portSpec(cmd.Params))
	case wire.CommandLimit:
		proto := cmd.Params.Protocol
		if proto == "" {
			proto = "tcp"
		}
		return u.run(ctx, "limit", fmt.Sprintf("%d/%s", cmd.Params.Port, proto))
	case wire.CommandDelete:
		return u.run(ctx, "--force", "delete", strconv.Itoa(cmd.Params.RuleNumber))
	case wire.CommandDeleteByRule:
		args := append([]string{"--force", "delete"}, allowDenyArgs(strings.ToLower(cmd.Params.Action), cmd.Params)...)
		return u.run(ctx, args...)
	case wire.CommandEnable:
		return u.run(ctx, "--force", "enable")
	case wire.CommandDisable:
		return u.run(ctx, "disable")
	case wire.CommandReset:
		return u.run(ctx, "--force", "reset")
	case wire.CommandReload:
		return u.run(ctx, "reload")
	case wire.CommandDefault:
		return u.run(ctx, "default", cmd.Params.Policy, cmd.Params.Direction)
	case wire.CommandLogging:
		return u.run(ctx, "logging", cmd.Params.Level)
	case wire.CommandReorder:
		return u.executeReorder(ctx, cmd)
	case wire.CommandDenyFrom:
		return u.run(ctx, "deny", "from", cmd.Params.IP)
	case wire.CommandDeleteDenyFrom:
		return u.run(ctx, "--force", "delete", "deny", "from", cmd.Params.IP)
	case wire.CommandRaw:
		return u.executeRaw(ctx, cmd.RawCommand)
	default:
		return Result{}, fmt.Errorf("unsupported command type %q", cmd.Type)
	}
}

// executeReorder performs a reorder as two steps, delete then insert.
// Failure of the second step is reported as-is — it is a
// partial-failure outcome, not retried or rolled back.
func (u *UFW) executeReorder(ctx context.Context, cmd wire.AgentCommandWire) (Result, error) {
	if cmd.Params.DeleteCmd == nil || cmd.Params.InsertCmd == nil {
		return Result{Success: false, Message: "reorder requires delete_cmd and insert_cmd"}, nil
	}
	delRes, err := u.Execute(ctx, *cmd.Params.DeleteCmd)
	if err != nil || !delRes.Success {
		if err != nil {
			return Result{}, err
		}
		return delRes, nil
	}
	insRes, err := u.Execute(ctx, *cmd.Params.InsertCmd)
	if err != nil {
		return Result{}, err
	}
	return insRes, nil
}

// executeRaw runs an operator-supplied command verbatim after
// validating it begins with the firewall executable name — an
// escape hatch for commands the typed wire vocabulary doesn't cover.
func (u *UFW) executeRaw(ctx context.Context, raw string) (Result, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, u.bin) {
		return Result{Success: false, Message: fmt.Sprintf("raw command must start with %q", u.bin)}, nil
	}
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return Result{Success: false, Message: "raw command missing arguments"}, nil
	}
	return u.run(ctx, fields[1:]...)
}

// run invokes the ufw binary with args under the fixed command timeout.
// Every failure (a non-zero exit, a timeout, or a failure to start the
// process) is reported in the Result; the returned error is always nil.
func (u *UFW) run(ctx context.Context, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, u.bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	msg := strings.TrimSpace(out.String())
	if ctx.Err() == context.DeadlineExceeded {
		return Result{Success: false, Message: "Command timed out"}, nil
	}
	if err != nil {
		if msg == "" {
			msg = err.Error()
		}
		return Result{Success: false, Message: msg}, nil
	}
	return Result{Success: true, Message: msg}, nil
}

// allowDenyArgs builds the argument list shared by allow/deny/
// delete_by_rule, which all accept the same {port, protocol, from_ip}
// shape.
func allowDenyArgs(verb string, p wire.CommandParams) []string {
	args := []string{verb}
	if p.FromIP != "" {
		args = append(args, "from", p.FromIP)
		if p.Port != 0 {
			args = append(args, "to", "any", "port", strconv.Itoa(p.Port))
		}
	} else {
		args = append(args, portSpec(p))
	}
	if p.Protocol != "" && p.FromIP != "" {
		args = append(args, "proto", p.Protocol)
	}
	return args
}

func portSpec(p wire.CommandParams) string {
	if p.Protocol != "" {
		return fmt.Sprintf("%d/%s", p.Port, p.Protocol)
	}
	return strconv.Itoa(p.Port)
}
