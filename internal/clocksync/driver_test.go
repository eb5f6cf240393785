package clocksync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []int64
	sendErr   error
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) SendSyncRequest(clientSendMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, clientSendMs)
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestDriver(connected bool) (*Driver, *fakeTransport, *clockwork.FakeClock) {
	transport := &fakeTransport{connected: connected}
	clock := clockwork.NewFakeClock()
	store := NewStore()
	driver := NewDriver(transport, store, clock, DefaultDriverConfig())
	return driver, transport, clock
}

func TestDriverRequestSyncWhileDisconnected(t *testing.T) {
	driver, transport, _ := newTestDriver(false)

	assert.False(t, driver.RequestSync())
	assert.Empty(t, transport.sent)
	assert.False(t, driver.Store().Snapshot().Synced)
}

func TestDriverRateLimit(t *testing.T) {
	driver, transport, clock := newTestDriver(true)

	require.True(t, driver.RequestSync())
	require.Len(t, transport.sent, 1)

	// 2s after the previous request is below the 5s floor
	clock.Advance(2 * time.Second)
	assert.False(t, driver.RequestSync())
	assert.Len(t, transport.sent, 1)
	assert.False(t, driver.Store().Snapshot().Synced)

	clock.Advance(3 * time.Second)
	assert.True(t, driver.RequestSync())
	assert.Len(t, transport.sent, 2)
}

func TestDriverSendFailureIsNotFatal(t *testing.T) {
	driver, transport, clock := newTestDriver(true)
	transport.sendErr = errors.New("broken pipe")

	assert.False(t, driver.RequestSync())

	// A later response for the failed request is uncorrelated and dropped
	driver.HandleResponse(clock.Now().UnixMilli(), clock.Now().UnixMilli())
	assert.False(t, driver.Store().Snapshot().Synced)
}

func TestDriverExchange(t *testing.T) {
	driver, transport, clock := newTestDriver(true)

	require.True(t, driver.RequestSync())
	sendMs := transport.sent[0]
	assert.Equal(t, clock.Now().UnixMilli(), sendMs)

	// Response arrives 100ms later; server reported its clock 500ms ahead
	// of the client send time.
	clock.Advance(100 * time.Millisecond)
	driver.HandleResponse(sendMs, sendMs+500)

	est := driver.Store().Snapshot()
	require.True(t, est.Synced)
	assert.Equal(t, int64(100), est.LastRoundtripMs)
	// roundtrip 100 -> one-way 50 -> estimated server now send+550,
	// receive time send+100 -> offset 450
	assert.Equal(t, 450.0, est.OffsetMs)
}

func TestDriverDiscardsUncorrelatedResponse(t *testing.T) {
	driver, transport, clock := newTestDriver(true)

	require.True(t, driver.RequestSync())
	clock.Advance(50 * time.Millisecond)

	driver.HandleResponse(transport.sent[0]+1, clock.Now().UnixMilli())
	assert.False(t, driver.Store().Snapshot().Synced)

	// The pending exchange was consumed; the real echo is now stale too
	driver.HandleResponse(transport.sent[0], clock.Now().UnixMilli())
	assert.False(t, driver.Store().Snapshot().Synced)
}

func TestDriverDiscardsMalformedResponse(t *testing.T) {
	driver, transport, clock := newTestDriver(true)

	require.True(t, driver.RequestSync())
	clock.Advance(50 * time.Millisecond)

	driver.HandleResponse(transport.sent[0], 0)
	assert.False(t, driver.Store().Snapshot().Synced)
}

func TestDriverHandlePush(t *testing.T) {
	driver, _, clock := newTestDriver(true)

	driver.HandlePush(clock.Now().UnixMilli() + 400)

	est := driver.Store().Snapshot()
	require.True(t, est.Synced)
	assert.Equal(t, 400.0, est.OffsetMs)
	assert.Equal(t, int64(0), est.LastRoundtripMs)

	driver.HandlePush(0)
	assert.Equal(t, 1, driver.Store().Snapshot().Samples)
}

func TestDriverDisconnectResetsStore(t *testing.T) {
	driver, transport, clock := newTestDriver(true)

	require.True(t, driver.RequestSync())
	clock.Advance(100 * time.Millisecond)
	driver.HandleResponse(transport.sent[0], transport.sent[0]+500)
	require.True(t, driver.Store().Snapshot().Synced)

	driver.HandleDisconnect()
	assert.False(t, driver.Store().Snapshot().Synced)
}

func TestDriverReconnectSyncsImmediately(t *testing.T) {
	driver, transport, clock := newTestDriver(true)

	require.True(t, driver.RequestSync())
	require.Len(t, transport.sent, 1)

	// Drop and reconnect 1s later, well inside the 5s floor. The estimate
	// was reset, so the reconnect exchange must not be rate limited.
	driver.HandleDisconnect()
	clock.Advance(time.Second)
	driver.HandleConnect()

	assert.Len(t, transport.sent, 2)
}

func TestDriverPeriodicSync(t *testing.T) {
	driver, transport, clock := newTestDriver(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		driver.Run(ctx)
		close(done)
	}()

	// Wait for the ticker to be created before advancing
	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)

	require.Eventually(t, func() bool {
		return transport.sentCount() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
