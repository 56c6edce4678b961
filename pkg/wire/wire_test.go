package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlOperationRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	op := ControlOperation{OpID: 1, OpType: int32(OpCreateEnfRule), OpSubtype: 0, Size: 40}
	require.NoError(t, WriteControlOperation(&buf, op))

	got, err := ReadControlOperation(&buf)
	require.NoError(t, err)
	assert.Equal(t, op, got)
}

func TestACKRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteACK(&buf, ACK{Message: AckOK}))
	got, err := ReadACK(&buf)
	require.NoError(t, err)
	assert.True(t, got.IsOK())
}

func TestShortReadIsError(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(1)
	_, err := ReadControlOperation(&buf)
	assert.Error(t, err)
}

func TestStageSimplifiedHandshakeStrings(t *testing.T) {
	h := NewStageSimplifiedHandshake("tensor", 1, 100, 99, "host-1", "alice")
	assert.Equal(t, "tensor", h.NameString())
	assert.Equal(t, "host-1", h.HostnameString())
	assert.Equal(t, "alice", h.UserString())
	assert.Equal(t, int32(1), h.Env)
}

func TestStatsEntityRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := map[string]int64{"read": 100, "write": 200}
	require.NoError(t, WriteStatsEntity(&buf, in))
	out, err := ReadStatsEntity(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEnforcementRulePayloadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := EnforcementRule{RuleID: 7, Channel: 1, Object: 2, Op: 3, P1: 500, P2: 0, P3: 0}
	require.NoError(t, WritePayload(&buf, in))
	var out EnforcementRule
	require.NoError(t, ReadPayload(&buf, &out))
	assert.Equal(t, in, out)
}
