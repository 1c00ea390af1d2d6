package core_test

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olserra/pap/core"
)

func reply(correlationID string, from core.AgentIdentity, body core.MessageBody) core.Envelope {
	return core.NewEnvelope(from, body, core.WithCorrelation(correlationID))
}

func TestCorrelationLifecycle(t *testing.T) {
	// Satellite sends m1 at t=0 with a 30s deadline.
	tr := core.NewCorrelationTracker().WithClock(func() time.Time { return epoch })
	at := func(s int) time.Time { return epoch.Add(time.Duration(s) * time.Second) }
	require.NoError(t, tr.RegisterInvoke("m1", at(30), core.ExpectResponder(stationID), "s"))

	p, err := tr.Resolve(reply("m1", stationID, &core.Response{Status: core.StatusOK}), at(10))
	require.NoError(t, err)
	assert.Equal(t, "m1", p.CorrelationID)
	assert.True(t, p.InitiatedAt.Equal(epoch))
	assert.Equal(t, 0, tr.Pending())

	_, err = tr.Resolve(reply("m1", stationID, &core.Response{Status: core.StatusOK}), at(11))
	assert.True(t, errors.Is(err, core.ErrUnknownCorrelation), "got %v", err)

	// Had m1 still been pending, a reply at t=40 would be too late.
	require.NoError(t, tr.RegisterInvoke("m1", at(30), core.ExpectResponder(stationID), "s"))
	p, err = tr.Resolve(reply("m1", stationID, &core.Error{Code: core.StatusTimeout}), at(40))
	assert.True(t, errors.Is(err, core.ErrExpired), "got %v", err)
	assert.Equal(t, "m1", p.CorrelationID)
	assert.Equal(t, 0, tr.Pending(), "an expired resolution still removes the entry")
}

func TestCorrelationDuplicateRegister(t *testing.T) {
	tr := core.NewCorrelationTracker()
	require.NoError(t, tr.RegisterInvoke("m1", epoch, core.AnyResponder(), "s"))
	err := tr.RegisterInvoke("m1", epoch, core.AnyResponder(), "s")
	assert.True(t, errors.Is(err, core.ErrDuplicateCorrelation))
	assert.True(t, errors.Is(tr.RegisterInvoke("", epoch, core.AnyResponder(), "s"), core.ErrMalformedEnvelope))
}

func TestCorrelationResponderMismatch(t *testing.T) {
	tr := core.NewCorrelationTracker()
	require.NoError(t, tr.RegisterInvoke("m1", epoch.Add(time.Minute), core.ExpectResponder(stationID), "s"))

	_, err := tr.Resolve(reply("m1", satID, &core.Response{}), epoch)
	assert.True(t, errors.Is(err, core.ErrResponderMismatch), "got %v", err)

	// The genuine responder can still answer.
	_, err = tr.Resolve(reply("m1", stationID, &core.Response{}), epoch)
	require.NoError(t, err)
}

func TestCorrelationAnyResponder(t *testing.T) {
	tr := core.NewCorrelationTracker()
	require.NoError(t, tr.RegisterInvoke("m1", epoch.Add(time.Minute), core.AnyResponder(), "s"))
	_, err := tr.Resolve(reply("m1", satID, &core.Response{}), epoch)
	require.NoError(t, err)

	_, ok := core.AnyResponder().Identity()
	assert.False(t, ok)
	id, ok := core.ExpectResponder(stationID).Identity()
	assert.True(t, ok)
	assert.Equal(t, stationID, id)
}

func TestCorrelationRejectsUncorrelatedFamilies(t *testing.T) {
	tr := core.NewCorrelationTracker()
	require.NoError(t, tr.RegisterInvoke("m1", epoch.Add(time.Minute), core.AnyResponder(), "s"))

	for _, body := range []core.MessageBody{&core.Invoke{}, &core.Event{}, &core.Control{}, handshakeAck()} {
		_, err := tr.Resolve(reply("m1", stationID, body), epoch)
		assert.True(t, errors.Is(err, core.ErrNotCorrelated), "%s: got %v", body.Family(), err)
	}
	_, err := tr.Resolve(core.NewEnvelope(stationID, &core.Response{}), epoch)
	assert.True(t, errors.Is(err, core.ErrMalformedEnvelope))
	assert.Equal(t, 1, tr.Pending())
}

func TestCorrelationSweepAndCancel(t *testing.T) {
	tr := core.NewCorrelationTracker()
	require.NoError(t, tr.RegisterInvoke("late", epoch.Add(20*time.Second), core.AnyResponder(), "a"))
	require.NoError(t, tr.RegisterInvoke("early", epoch.Add(10*time.Second), core.AnyResponder(), "a"))
	require.NoError(t, tr.RegisterInvoke("kept", epoch.Add(time.Hour), core.AnyResponder(), "b"))
	require.NoError(t, tr.RegisterInvoke("cancelled", epoch.Add(time.Second), core.AnyResponder(), "b"))

	assert.True(t, tr.Cancel("cancelled"))
	assert.False(t, tr.Cancel("cancelled"))

	assert.Equal(t, []string{"early", "late"}, tr.Sweep(epoch.Add(time.Minute)))
	assert.Empty(t, tr.Sweep(epoch.Add(time.Minute)), "an id is reported once")

	_, ok := tr.Lookup("kept")
	assert.True(t, ok)
	assert.Equal(t, []string{"kept"}, tr.ExpireRoute("b"))
	assert.Equal(t, 0, tr.Pending())

	_, err := tr.Resolve(reply("early", stationID, &core.Response{}), epoch)
	assert.True(t, errors.Is(err, core.ErrUnknownCorrelation))
}

func TestCorrelationConcurrentResolve(t *testing.T) {
	tr := core.NewCorrelationTracker()
	require.NoError(t, tr.RegisterInvoke("m1", epoch.Add(time.Minute), core.AnyResponder(), "s"))
	env := reply("m1", stationID, &core.Response{Status: core.StatusOK})

	const workers = 32
	var (
		wg      sync.WaitGroup
		won     atomic.Int32
		unknown atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := tr.Resolve(env, epoch)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, core.ErrUnknownCorrelation):
				unknown.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(workers-1), unknown.Load())
}

func TestCorrelationSweepRacesResolve(t *testing.T) {
	tr := core.NewCorrelationTracker()
	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, tr.RegisterInvoke(fmt.Sprintf("m-%d", i), epoch, core.AnyResponder(), "s"))
	}

	var (
		wg       sync.WaitGroup
		resolved atomic.Int32
		swept    atomic.Int32
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if _, err := tr.Resolve(reply(fmt.Sprintf("m-%d", i), stationID, &core.Response{}), epoch); err == nil {
				resolved.Add(1)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			swept.Add(int32(len(tr.Sweep(epoch.Add(time.Second)))))
		}
	}()
	wg.Wait()
	swept.Add(int32(len(tr.Sweep(epoch.Add(time.Second)))))
	assert.Equal(t, int32(n), resolved.Load()+swept.Load(), "every entry leaves exactly once")
}
