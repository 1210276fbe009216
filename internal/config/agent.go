package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig holds all guardian-agent configuration. Loaded from an
// optional YAML file (mode 0600) with SSH_GUARDIAN_* environment
// variables overriding file values, which override the compiled
// defaults below.
type AgentConfig struct {
	ServerURL            string        `yaml:"server_url"`
	APIKey               string        `yaml:"api_key"`
	AgentID              string        `yaml:"agent_id"`
	Hostname             string        `yaml:"hostname"`
	CheckInterval        time.Duration `yaml:"check_interval"`
	BatchSize            int           `yaml:"batch_size"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	FirewallSyncInterval time.Duration `yaml:"firewall_sync_interval"`
	FirewallEnabled      bool          `yaml:"firewall_enabled"`
	AuthLogPath          string        `yaml:"auth_log_path"`
	StateFile            string        `yaml:"state_file"`
	LogFile              string        `yaml:"log_file"`
	Fail2banSocket       string        `yaml:"fail2ban_socket,omitempty"`
}

// DefaultAgentConfig returns the compiled defaults. Precedence is
// defaults < file < environment: defaults are overridden by the config
// file, which is overridden by environment variables.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		ServerURL:            "https://localhost:8443",
		CheckInterval:        10 * time.Second,
		BatchSize:            100,
		HeartbeatInterval:    30 * time.Second,
		FirewallSyncInterval: 5 * time.Minute,
		FirewallEnabled:      true,
		AuthLogPath:          "/var/log/auth.log",
		StateFile:            "/var/lib/ssh-guardian/agent-state.json",
		LogFile:              "/var/log/ssh-guardian/agent.log",
	}
}

// LoadAgentConfig loads the agent config file (if present) over the
// compiled defaults, then applies SSH_GUARDIAN_* environment overrides.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse agent config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read agent config %s: %w", path, err)
	}

	applyAgentEnvOverrides(cfg)
	return cfg, nil
}

func applyAgentEnvOverrides(cfg *AgentConfig) {
	cfg.ServerURL = envStr("SSH_GUARDIAN_SERVER_URL", cfg.ServerURL)
	cfg.APIKey = envStr("SSH_GUARDIAN_API_KEY", cfg.APIKey)
	cfg.AgentID = envStr("SSH_GUARDIAN_AGENT_ID", cfg.AgentID)
	cfg.Hostname = envStr("SSH_GUARDIAN_HOSTNAME", cfg.Hostname)
	cfg.CheckInterval = envDuration("SSH_GUARDIAN_CHECK_INTERVAL", cfg.CheckInterval)
	cfg.BatchSize = envInt("SSH_GUARDIAN_BATCH_SIZE", cfg.BatchSize)
	cfg.HeartbeatInterval = envDuration("SSH_GUARDIAN_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.FirewallSyncInterval = envDuration("SSH_GUARDIAN_FIREWALL_SYNC_INTERVAL", cfg.FirewallSyncInterval)
	cfg.FirewallEnabled = envBool("SSH_GUARDIAN_FIREWALL_ENABLED", cfg.FirewallEnabled)
	cfg.AuthLogPath = envStr("SSH_GUARDIAN_AUTH_LOG_PATH", cfg.AuthLogPath)
	cfg.StateFile = envStr("SSH_GUARDIAN_STATE_FILE", cfg.StateFile)
	cfg.LogFile = envStr("SSH_GUARDIAN_LOG_FILE", cfg.LogFile)
	cfg.Fail2banSocket = envStr("SSH_GUARDIAN_FAIL2BAN_SOCKET", cfg.Fail2banSocket)
}

// Save writes the config to path as YAML with mode 0600.
func (c *AgentConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write agent config %s: %w", path, err)
	}
	return nil
}
