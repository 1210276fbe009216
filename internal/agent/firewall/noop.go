package firewall

import (
	"context"
	"time"

	"github.com/sshguardian/core/internal/wire"
)

// Noop is the Adapter used when no supported firewall is present: a
// missing firewall binary disables the feature rather than making the
// agent refuse to run. Inventory reports status "not_installed"; every
// command is rejected rather than silently accepted, so the server can
// tell the difference between "no commands pending" and "commands can
// never be applied here".
type Noop struct{}

// Inventory implements Adapter.
func (Noop) Inventory(context.Context) (wire.UFWData, error) {
	return wire.UFWData{Status: "not_installed", CollectedAt: time.Now().UTC()}, nil
}

// Execute implements Adapter.
func (Noop) Execute(context.Context, wire.AgentCommandWire) (Result, error) {
	return Result{Success: false, Message: "no firewall adapter available on this host"}, nil
}
