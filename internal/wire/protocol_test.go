package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandType_UnknownVariantRejected(t *testing.T) {
	var cmd AgentCommandWire
	err := json.Unmarshal([]byte(`{"id":"1","type":"flush_dns"}`), &cmd)
	assert.Error(t, err)
}

func TestCommandType_KnownVariantsAccepted(t *testing.T) {
	for _, typ := range []CommandType{
		CommandAllow, CommandDeny, CommandReject, CommandLimit, CommandDelete,
		CommandDeleteByRule, CommandEnable, CommandDisable, CommandReset,
		CommandReload, CommandDefault, CommandLogging, CommandReorder,
		CommandDenyFrom, CommandDeleteDenyFrom, CommandRaw,
	} {
		data, err := json.Marshal(AgentCommandWire{ID: "1", Type: typ})
		require.NoError(t, err)
		var cmd AgentCommandWire
		require.NoError(t, json.Unmarshal(data, &cmd))
		assert.Equal(t, typ, cmd.Type)
	}
}
