// Package firewall implements the agent-side firewall adapter: a
// capability interface exposing Inventory and Execute, with one
// concrete implementation per supported host firewall, keeping all
// subprocess invocation and output parsing behind this one boundary
// rather than scattered through the reporter loop.
package firewall

import (
	"context"
	"time"

	"github.com/sshguardian/core/internal/wire"
)

// CommandTimeout is the wall-clock budget for a single firewall
// subprocess invocation.
const CommandTimeout = 30 * time.Second

// protectedPorts is the hard-coded set of port -> service name pairs
// flagged on every inventory. SSH and the dashboard port are always
// included.
var protectedPorts = map[int]string{
	22:   "ssh",
	80:   "http",
	443:  "https",
	3306: "mysql",
	5432: "postgresql",
	6379: "redis",
	8443: "ssh-guardian-dashboard",
}

// IsProtectedPort reports whether port is in the hard-coded protected set.
func IsProtectedPort(port int) (service string, protected bool) {
	service, protected = protectedPorts[port]
	return service, protected
}

// Result is the outcome of executing one command: whether it succeeded
// and a human-readable message.
type Result struct {
	Success bool
	Message string
}

// Adapter is the capability interface the reporter drives: inventory
// the host firewall, or execute one server-issued command against it.
type Adapter interface {
	// Inventory collects the current firewall state for a sync push.
	Inventory(ctx context.Context) (wire.UFWData, error)
	// Execute runs one command and reports its outcome. It never
	// returns an error for a command that ran and failed — that is a
	// Result with Success=false — only for inputs it cannot attempt at
	// all (e.g. an unknown command type).
	Execute(ctx context.Context, cmd wire.AgentCommandWire) (Result, error)
}
