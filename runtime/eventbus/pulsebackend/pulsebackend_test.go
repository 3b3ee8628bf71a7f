package pulsebackend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRedisSeq(t *testing.T) {
	require.Equal(t, uint64(1700000000000), parseRedisSeq("1700000000000-0"))
	require.Equal(t, uint64(1700000000000), parseRedisSeq("1700000000000-7"))
	require.Equal(t, uint64(0), parseRedisSeq("not-a-number-0"))
	require.Equal(t, uint64(42), parseRedisSeq("42"))
}

func TestToEnvelopeRoundTrips(t *testing.T) {
	we := wireEnvelope{
		EventID:      "evt-1",
		ResourceType: "task",
		ResourceID:   "T1",
		Op:           "create",
		TimestampMS:  1234,
		Payload:      []byte("hi"),
		NodeUUID:     "n1",
	}
	env := toEnvelope(we, "resource.task.T1", "1700000000000-0")
	require.Equal(t, "evt-1", env.EventID)
	require.Equal(t, "resource.task.T1", env.Stream)
	require.Equal(t, uint64(1700000000000), env.Seq)
	require.Equal(t, "T1", env.ResourceID)
	require.Equal(t, []byte("hi"), env.Payload)
	require.Equal(t, "n1", env.NodeUUID)
}

func TestNewRequiresRedis(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
