package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeExecute, ExecutePayload{
		SessionID: "s1",
		CommandID: "c1",
		Command:   "echo hi",
		Context:   ExecContext{WorkingDirectory: "/ws/project"},
	})
	require.NoError(t, err)
	require.Equal(t, Version, env.Version)

	data, err := env.Marshal()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, TypeExecute, decoded.Type)

	var payload ExecutePayload
	require.NoError(t, decoded.DecodePayload(&payload))
	require.Equal(t, "echo hi", payload.Command)
	require.Equal(t, "/ws/project", payload.Context.WorkingDirectory)
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"version":"1.0.0","payload":{}}`))
	require.Error(t, err)
}

func TestDecodePayloadRequiresBody(t *testing.T) {
	env := Envelope{Version: Version, Type: TypeHeartbeat}
	var hb HeartbeatPayload
	require.Error(t, env.DecodePayload(&hb))
}

func TestCompatibleMatchesMajorVersion(t *testing.T) {
	require.True(t, Compatible("1.0.0"))
	require.True(t, Compatible("1.4.2"))
	require.False(t, Compatible("2.0.0"))
	require.False(t, Compatible(""))
	require.False(t, Compatible("garbage"))
}

func TestHeartbeatWireShape(t *testing.T) {
	env, err := NewEnvelope(TypeHeartbeat, HeartbeatPayload{
		Timestamp: time.Unix(100, 0).UTC(),
		Status:    StatusActive,
		Stats:     HeartbeatStats{CommandsExecuted: 3, UptimeSeconds: 60, MemoryBytes: 1 << 20},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{
		"timestamp": "1970-01-01T00:01:40Z",
		"status": "active",
		"stats": {"commandsExecuted": 3, "uptime": 60, "memoryUsage": 1048576}
	}`, string(env.Payload))
}
