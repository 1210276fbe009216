// Package wire defines the JSON-over-HTTP messages exchanged between
// guardian-agent and guardiand. Every request and response is a tagged
// record with explicit fields — no untyped map[string]any crosses this
// boundary.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// RegisterRequest is the body of POST /api/agents/register.
type RegisterRequest struct {
	AgentID              string          `json:"agent_id"`
	Hostname             string          `json:"hostname"`
	SystemInfo           json.RawMessage `json:"system_info,omitempty"`
	Version              string          `json:"version"`
	HeartbeatIntervalSec int             `json:"heartbeat_interval_sec"`
}

// RegisterResponse is the body returned by POST /api/agents/register.
type RegisterResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	APIKey  string `json:"api_key,omitempty"`
}

// HeartbeatMetrics carries host resource metrics sampled by the agent.
type HeartbeatMetrics struct {
	CPUPercent    float64 `json:"cpu"`
	MemoryPercent float64 `json:"mem"`
	DiskPercent   float64 `json:"disk"`
	UptimeSeconds int64   `json:"uptime"`
}

// HeartbeatRequest is the body of POST /api/agents/heartbeat.
type HeartbeatRequest struct {
	AgentID      string           `json:"agent_id"`
	Metrics      HeartbeatMetrics `json:"metrics"`
	Status       string           `json:"status"`
	HealthStatus string           `json:"health_status"`
}

// HeartbeatResponse is the body returned by POST /api/agents/heartbeat.
type HeartbeatResponse struct {
	Success bool `json:"success"`
}

// LogsRequest is the body of POST /api/agents/logs.
type LogsRequest struct {
	BatchUUID      string   `json:"batch_uuid"`
	AgentID        string   `json:"agent_id"`
	Hostname       string   `json:"hostname"`
	LogLines       []string `json:"log_lines"`
	BatchSize      int      `json:"batch_size"`
	SourceFilename string   `json:"source_filename"`
}

// LogsResponse is the body returned by POST /api/agents/logs.
type LogsResponse struct {
	Success       bool   `json:"success"`
	EventsCreated int    `json:"events_created"`
	EventsFailed  int    `json:"events_failed"`
	Error         string `json:"error,omitempty"`
}

// UFWRuleWire mirrors one numbered firewall rule in an inventory report.
type UFWRuleWire struct {
	Number      int    `json:"number"`
	Action      string `json:"action"`
	Direction   string `json:"direction"`
	Protocol    string `json:"protocol,omitempty"`
	Port        string `json:"port,omitempty"`
	FromIP      string `json:"from_ip,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

// ListeningPortWire mirrors one listening socket from inventory.
type ListeningPortWire struct {
	Port      int    `json:"port"`
	Protocol  string `json:"protocol"`
	PID       int    `json:"pid,omitempty"`
	Process   string `json:"process,omitempty"`
	Protected bool   `json:"protected"`
	Service   string `json:"service,omitempty"`
}

// UFWData is the agent's full firewall inventory document.
type UFWData struct {
	Status          string              `json:"status"`
	DefaultIncoming string              `json:"default_incoming"`
	DefaultOutgoing string              `json:"default_outgoing"`
	DefaultRouted   string              `json:"default_routed"`
	LoggingLevel    string              `json:"logging_level"`
	IPv6Enabled     bool                `json:"ipv6_enabled"`
	Version         string              `json:"version"`
	RuleCount       int                 `json:"rule_count"`
	Rules           []UFWRuleWire       `json:"rules"`
	ListeningPorts  []ListeningPortWire `json:"listening_ports"`
	ProtectedPorts  []int               `json:"protected_ports"`
	CollectedAt     time.Time           `json:"collected_at"`
}

// UFWSyncRequest is the body of POST /api/agents/ufw/sync.
type UFWSyncRequest struct {
	AgentID     string    `json:"agent_id"`
	Hostname    string    `json:"hostname"`
	UFWData     UFWData   `json:"ufw_data"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// UFWSyncResponse is the body returned by POST /api/agents/ufw/sync.
type UFWSyncResponse struct {
	Success    bool   `json:"success"`
	RulesCount int    `json:"rules_count"`
	UFWStatus  string `json:"ufw_status"`
}

// CommandType enumerates the closed set of firewall command variants.
// Unknown variants are rejected at the JSON boundary by UnmarshalJSON
// below, rather than silently accepted as arbitrary strings.
type CommandType string

const (
	CommandAllow          CommandType = "allow"
	CommandDeny           CommandType = "deny"
	CommandReject         CommandType = "reject"
	CommandLimit          CommandType = "limit"
	CommandDelete         CommandType = "delete"
	CommandDeleteByRule   CommandType = "delete_by_rule"
	CommandEnable         CommandType = "enable"
	CommandDisable        CommandType = "disable"
	CommandReset          CommandType = "reset"
	CommandReload         CommandType = "reload"
	CommandDefault        CommandType = "default"
	CommandLogging        CommandType = "logging"
	CommandReorder        CommandType = "reorder"
	CommandDenyFrom       CommandType = "deny_from"
	CommandDeleteDenyFrom CommandType = "delete_deny_from"
	CommandRaw            CommandType = "raw"
)

func (t CommandType) valid() bool {
	switch t {
	case CommandAllow, CommandDeny, CommandReject, CommandLimit, CommandDelete,
		CommandDeleteByRule, CommandEnable, CommandDisable, CommandReset,
		CommandReload, CommandDefault, CommandLogging, CommandReorder,
		CommandDenyFrom, CommandDeleteDenyFrom, CommandRaw:
		return true
	}
	return false
}

// UnmarshalJSON rejects any command type not in the closed set above.
func (t *CommandType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	ct := CommandType(s)
	if !ct.valid() {
		return fmt.Errorf("wire: unknown command type %q", s)
	}
	*t = ct
	return nil
}

// CommandParams is the closed union of parameters for every command
// type. Only the fields relevant to a given Type are populated, in
// place of a free-form map.
type CommandParams struct {
	Port        int    `json:"port,omitempty"`
	Protocol    string  `json:"protocol,omitempty"`
	FromIP      string  `json:"from_ip,omitempty"`
	RuleNumber  int     `json:"rule_number,omitempty"`
	Action      string  `json:"action,omitempty"`
	Direction   string  `json:"direction,omitempty"`
	Policy      string  `json:"policy,omitempty"`
	Level       string  `json:"level,omitempty"`
	DeleteCmd   *AgentCommandWire `json:"delete_cmd,omitempty"`
	InsertCmd   *AgentCommandWire `json:"insert_cmd,omitempty"`
	FromIndex   int     `json:"from_index,omitempty"`
	ToIndex     int     `json:"to_index,omitempty"`
	IP          string  `json:"ip,omitempty"`
	BlockID     string  `json:"block_id,omitempty"`
	Command     string  `json:"command,omitempty"`
}

// AgentCommandWire is one outbound firewall instruction as delivered to
// an agent by GET /api/agents/ufw/commands.
type AgentCommandWire struct {
	ID         string        `json:"id"`
	Type       CommandType   `json:"type"`
	Params     CommandParams `json:"params"`
	RawCommand string        `json:"raw_command,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// CommandsResponse is the body returned by GET /api/agents/ufw/commands.
type CommandsResponse struct {
	Commands []AgentCommandWire `json:"commands"`
}

// CommandResultRequest is the body of POST /api/agents/firewall/command-result.
type CommandResultRequest struct {
	AgentID    string    `json:"agent_id"`
	CommandID  string    `json:"command_id"`
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	ExecutedAt time.Time `json:"executed_at"`
}

// CommandResultResponse is the body returned by POST /api/agents/firewall/command-result.
type CommandResultResponse struct {
	Success bool `json:"success"`
}

// ErrorEnvelope is the stable error shape returned on any handler
// failure. It never leaks stack traces.
type ErrorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
