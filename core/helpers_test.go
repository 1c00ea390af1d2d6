package core_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/olserra/pap/core"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock is a manually advanced clock shared by the components under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: epoch} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	satID     = core.NewIdentity("sat-1", "edge")
	stationID = core.NewIdentity("station", "edge").WithVersion("1.0.0")
)

func ed25519Pair(t *testing.T) core.KeyPair {
	t.Helper()
	kp, err := core.NewEd25519KeyPair()
	require.NoError(t, err)
	return kp
}

// wire sends env through the envelope codec, the way a transport would.
func wire(t *testing.T, env core.Envelope) core.Envelope {
	t.Helper()
	data, err := core.EncodeEnvelope(env)
	require.NoError(t, err)
	out, err := core.DecodeEnvelope(data)
	require.NoError(t, err)
	return out
}

func handshakeAck() *core.HandshakeAck {
	return &core.HandshakeAck{Accepted: true, Version: core.ProtocolVersion}
}
