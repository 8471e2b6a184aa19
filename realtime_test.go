package chatual

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fake transport
// ============================================================================

type fakeConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	written    [][]byte
	readErr    error
	localCode  websocket.StatusCode
	failWrites bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return errors.New("write on closed socket")
	default:
	}
	if c.failWrites {
		return errors.New("write failed")
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.terminate(code, websocket.CloseError{Code: code, Reason: reason}, true)
	return nil
}

// drop simulates the peer or the network ending the connection.
func (c *fakeConn) drop(err error) {
	c.terminate(0, err, false)
}

func (c *fakeConn) terminate(code websocket.StatusCode, err error, local bool) {
	c.once.Do(func() {
		c.mu.Lock()
		c.readErr = err
		if local {
			c.localCode = code
		}
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) push(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	c.frames <- b
}

func (c *fakeConn) closedLocally() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localCode
}

func (c *fakeConn) setFailWrites(v bool) {
	c.mu.Lock()
	c.failWrites = v
	c.mu.Unlock()
}

// sent returns the decoded frames of the given command type.
func (c *fakeConn) sent(typ string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, raw := range c.written {
		var m map[string]any
		if json.Unmarshal(raw, &m) == nil && m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeDialer struct {
	mu         sync.Mutex
	conns      []*fakeConn
	urls       []string
	failAll    bool
	failWrites bool
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.failAll {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	c.failWrites = d.failWrites
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(v bool) {
	d.mu.Lock()
	d.failAll = v
	d.mu.Unlock()
}

func (d *fakeDialer) setFailWrites(v bool) {
	d.mu.Lock()
	d.failWrites = v
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i += len(d.conns)
	}
	if i < 0 || i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// ============================================================================
// Test Helpers
// ============================================================================

const waitFor = 2 * time.Second

func newTestManager(t *testing.T, d *fakeDialer, mutate func(*RealtimeConfig)) *Manager {
	t.Helper()
	cfg := RealtimeConfig{
		Origin:             "http://chat.test",
		Dialer:             d,
		ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay:  5 * time.Millisecond,
		PingInterval:       time.Hour,
		TypingTimeout:      time.Hour,
		DialTimeout:        time.Second,
		WriteTimeout:       time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(cfg)
	t.Cleanup(func() { m.Close() })
	return m
}

func waitStatus(t *testing.T, m *Manager, want ConnectionStatus) ConnectionState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	st, err := m.Wait(ctx, want)
	require.NoError(t, err, "waiting for %s, last state %+v", want, st)
	return st
}

func connectedManager(t *testing.T, d *fakeDialer, mutate func(*RealtimeConfig)) *Manager {
	t.Helper()
	m := newTestManager(t, d, mutate)
	m.Connect("u1")
	waitStatus(t, m, StatusConnected)
	return m
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) record(st ConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
}

func (r *stateRecorder) all() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

var errNetDrop = errors.New("connection reset by peer")

// ============================================================================
// Endpoint / backoff
// ============================================================================

func TestEndpoint(t *testing.T) {
	tests := []struct {
		origin string
		want   string
	}{
		{"http://localhost:3000", "ws://localhost:3000/ws"},
		{"https://chat.example.com", "wss://chat.example.com/ws"},
		{"https://chat.example.com/rooms/1?x=y", "wss://chat.example.com/ws"},
		{"ws://10.0.0.5:8080", "ws://10.0.0.5:8080/ws"},
		{"wss://chat.example.com", "wss://chat.example.com/ws"},
	}
	for _, tt := range tests {
		got, err := Endpoint(tt.origin)
		require.NoError(t, err, tt.origin)
		assert.Equal(t, tt.want, got)
	}

	for _, bad := range []string{"", "ftp://host", "chat.example.com", "http://", "http://%zz"} {
		_, err := Endpoint(bad)
		assert.ErrorIs(t, err, ErrInvalidOrigin, bad)
	}
}

func TestReconnectorDelay(t *testing.T) {
	r := reconnector{baseDelay: time.Second, maxDelay: 30 * time.Second, multiplier: 2, maxAttempts: 5}
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for attempt, d := range want {
		assert.Equal(t, d, r.delay(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, 30*time.Second, r.delay(5000))
}

func TestRealtimeConfigDefaults(t *testing.T) {
	var c RealtimeConfig
	c.defaults()
	assert.Equal(t, 5, c.MaxReconnectAttempts)
	assert.Equal(t, time.Second, c.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, c.ReconnectMaxDelay)
	assert.Equal(t, 30*time.Second, c.PingInterval)
	assert.Equal(t, 3*time.Second, c.TypingTimeout)
	assert.NotNil(t, c.Dialer)
	assert.NotNil(t, c.Queue)

	off := RealtimeConfig{MaxReconnectAttempts: -1}
	off.defaults()
	assert.Equal(t, 0, off.MaxReconnectAttempts)
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestManagerConnect(t *testing.T) {
	t.Run("opens the derived endpoint", func(t *testing.T) {
		d := &fakeDialer{}
		m := connectedManager(t, d, nil)
		assert.Equal(t, []string{"ws://chat.test/ws"}, d.urls)
		st := m.State()
		assert.Equal(t, 0, st.RetryCount)
		assert.Empty(t, st.LastError)
	})

	t.Run("missing user id creates no transport", func(t *testing.T) {
		d := &fakeDialer{}
		m := newTestManager(t, d, nil)
		m.Connect("")
		st := m.State()
		assert.Equal(t, StatusDisconnected, st.Status)
		assert.Contains(t, st.LastError, "user id")
		assert.Zero(t, d.dials())
	})

	t.Run("malformed origin creates no transport", func(t *testing.T) {
		d := &fakeDialer{}
		m := newTestManager(t, d, func(c *RealtimeConfig) { c.Origin = "not a url" })
		m.Connect("u1")
		st := m.State()
		assert.Equal(t, StatusError, st.Status)
		assert.Contains(t, st.LastError, "invalid origin")
		assert.Zero(t, d.dials())
	})

	t.Run("dial failure backs off and recovers", func(t *testing.T) {
		d := &fakeDialer{failAll: true}
		m := newTestManager(t, d, func(c *RealtimeConfig) {
			c.ReconnectBaseDelay = 20 * time.Millisecond
			c.ReconnectMaxDelay = 20 * time.Millisecond
			c.MaxReconnectAttempts = 50
		})
		m.Connect("u1")
		st := waitStatus(t, m, StatusReconnecting)
		assert.Contains(t, st.LastError, "connection refused")
		assert.GreaterOrEqual(t, st.RetryCount, 1)

		d.setFail(false)
		st = waitStatus(t, m, StatusConnected)
		assert.Equal(t, 0, st.RetryCount)
		assert.Empty(t, st.LastError)
		assert.GreaterOrEqual(t, d.dials(), 2)
	})

	t.Run("dial failure goes to error once attempts are spent", func(t *testing.T) {
		d := &fakeDialer{failAll: true}
		m := newTestManager(t, d, func(c *RealtimeConfig) { c.MaxReconnectAttempts = 2 })
		m.Connect("u1")
		st := waitStatus(t, m, StatusError)
		assert.Equal(t, 2, st.RetryCount)
		assert.Contains(t, st.LastError, "connection refused")
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, 3, d.dials())
	})

	t.Run("dial failure without retries fails fast", func(t *testing.T) {
		d := &fakeDialer{failAll: true}
		m := newTestManager(t, d, func(c *RealtimeConfig) { c.MaxReconnectAttempts = -1 })
		m.Connect("u1")
		st := waitStatus(t, m, StatusError)
		assert.Equal(t, "connect failed: connection refused", st.LastError)
		assert.Equal(t, 1, d.dials())
	})

	t.Run("repeated connect for the same user is a no-op", func(t *testing.T) {
		d := &fakeDialer{}
		m := connectedManager(t, d, nil)
		m.Connect("u1")
		assert.Equal(t, 1, d.dials())
	})

	t.Run("connecting as another user replaces the socket", func(t *testing.T) {
		d := &fakeDialer{}
		m := connectedManager(t, d, nil)
		first := d.conn(0)
		m.Connect("u2")
		require.Eventually(t, func() bool { return d.dials() == 2 }, waitFor, time.Millisecond)
		waitStatus(t, m, StatusConnected)
		assert.Equal(t, websocket.StatusNormalClosure, first.closedLocally())
	})
}

func TestManagerNormalClosureDoesNotReconnect(t *testing.T) {
	t.Run("first connection", func(t *testing.T) {
		d := &fakeDialer{}
		m := connectedManager(t, d, nil)

		d.conn(0).drop(websocket.CloseError{Code: websocket.StatusNormalClosure})
		waitStatus(t, m, StatusDisconnected)

		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, 1, d.dials())
		assert.Equal(t, StatusDisconnected, m.State().Status)
	})

	t.Run("after failed reconnect attempts", func(t *testing.T) {
		d := &fakeDialer{}
		rec := &stateRecorder{}
		m := connectedManager(t, d, func(c *RealtimeConfig) {
			c.ReconnectBaseDelay = 10 * time.Millisecond
			c.ReconnectMaxDelay = 10 * time.Millisecond
			c.MaxReconnectAttempts = 50
		})
		m.OnStateChange(rec.record)

		d.setFail(true)
		d.conn(0).drop(errNetDrop)
		require.Eventually(t, func() bool { return m.State().RetryCount >= 2 }, waitFor, time.Millisecond)
		d.setFail(false)
		waitStatus(t, m, StatusConnected)

		dials := d.dials()
		d.conn(-1).drop(websocket.CloseError{Code: websocket.StatusNormalClosure})
		waitStatus(t, m, StatusDisconnected)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, dials, d.dials())
		assert.Equal(t, StatusDisconnected, m.State().Status)

		maxRetry := 0
		for _, st := range rec.all() {
			maxRetry = max(maxRetry, st.RetryCount)
		}
		assert.GreaterOrEqual(t, maxRetry, 2)
	})
}

func TestManagerReconnectsAfterAbnormalClose(t *testing.T) {
	d := &fakeDialer{}
	m := connectedManager(t, d, nil)

	d.conn(0).drop(errNetDrop)
	require.Eventually(t, func() bool {
		return d.dials() == 2 && m.State().Status == StatusConnected
	}, waitFor, time.Millisecond)
	assert.Equal(t, 0, m.State().RetryCount)
}

func TestManagerGivesUpAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{}
	rec := &stateRecorder{}
	m := connectedManager(t, d, func(c *RealtimeConfig) { c.MaxReconnectAttempts = 3 })
	m.OnStateChange(rec.record)

	d.setFail(true)
	d.conn(0).drop(websocket.CloseError{Code: websocket.StatusGoingAway})

	st := waitStatus(t, m, StatusError)
	assert.Equal(t, 3, st.RetryCount)
	assert.Contains(t, st.LastError, "3 attempts")
	assert.Equal(t, 4, d.dials())

	var retries []int
	for _, s := range rec.all() {
		if s.Status == StatusReconnecting {
			retries = append(retries, s.RetryCount)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, retries)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, d.dials(), "no timer may remain armed")
}

func TestManagerZeroAttemptsFailsImmediately(t *testing.T) {
	d := &fakeDialer{}
	m := connectedManager(t, d, func(c *RealtimeConfig) { c.MaxReconnectAttempts = -1 })

	d.conn(0).drop(errNetDrop)
	st := waitStatus(t, m, StatusError)
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, 1, d.dials())
}

func TestManagerManualReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := connectedManager(t, d, func(c *RealtimeConfig) { c.MaxReconnectAttempts = 1 })

	d.setFail(true)
	d.conn(0).drop(errNetDrop)
	st := waitStatus(t, m, StatusError)
	assert.Equal(t, 1, st.RetryCount)

	d.setFail(false)
	m.Reconnect()
	st = waitStatus(t, m, StatusConnected)
	assert.Equal(t, 0, st.RetryCount)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 3, d.dials())
}

func TestManagerManualReconnectResumesBackoff(t *testing.T) {
	d := &fakeDialer{}
	m := connectedManager(t, d, func(c *RealtimeConfig) { c.MaxReconnectAttempts = 1 })

	d.setFail(true)
	d.conn(0).drop(errNetDrop)
	waitStatus(t, m, StatusError)
	require.Equal(t, 2, d.dials())

	// Server still down: the manual attempt fails and automatic retries
	// pick up again from a fresh budget.
	m.Reconnect()
	st := waitStatus(t, m, StatusError)
	assert.Equal(t, 1, st.RetryCount)
	assert.Equal(t, 4, d.dials())
}

func TestManagerReconnectReplacesLiveSocket(t *testing.T) {
	d := &fakeDialer{}
	m := connectedManager(t, d, nil)
	first := d.conn(0)

	m.Reconnect()
	require.Eventually(t, func() bool {
		return d.dials() == 2 && m.State().Status == StatusConnected
	}, waitFor, time.Millisecond)
	assert.Equal(t, websocket.StatusNormalClosure, first.closedLocally())

	// The superseded socket's close must not start another cycle.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, d.dials())
}

func TestManagerReconnectWithoutSession(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil)
	m.Reconnect()
	st := m.State()
	assert.Equal(t, StatusError, st.Status)
	assert.Zero(t, d.dials())
}

func TestManagerClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &fakeDialer{}
	m := NewManager(RealtimeConfig{
		Origin:       "http://chat.test",
		Dialer:       d,
		PingInterval: 5 * time.Millisecond,
	})
	m.Connect("u1")
	waitStatus(t, m, StatusConnected)
	m.JoinRoom("r1")

	require.NoError(t, m.Close())
	assert.Equal(t, websocket.StatusNormalClosure, d.conn(0).closedLocally())
	assert.Equal(t, StatusDisconnected, m.State().Status)

	_, err := m.Wait(context.Background(), StatusConnected)
	assert.ErrorIs(t, err, ErrClosed)

	// Everything is inert after teardown.
	m.Connect("u1")
	m.Reconnect()
	m.SendTyping(true)
	require.NoError(t, m.Close())
	assert.Equal(t, 1, d.dials())
}

func TestManagerCloseDuringBackoff(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &fakeDialer{}
	m := NewManager(RealtimeConfig{
		Origin:             "http://chat.test",
		Dialer:             d,
		ReconnectBaseDelay: 50 * time.Millisecond,
	})
	m.Connect("u1")
	waitStatus(t, m, StatusConnected)

	d.conn(0).drop(errNetDrop)
	waitStatus(t, m, StatusReconnecting)
	require.NoError(t, m.Close())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, StatusDisconnected, m.State().Status)
}

func TestManagerWaitHonoursContext(t *testing.T) {
	m := newTestManager(t, &fakeDialer{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	st, err := m.Wait(ctx, StatusConnected)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusDisconnected, st.Status)
}

// ============================================================================
// Rooms, sending, queue drain
// ============================================================================

func TestManagerJoinRoom(t *testing.T) {
	t.Run("join before connect is sent once on open", func(t *testing.T) {
		d := &fakeDialer{}
		m := newTestManager(t, d, nil)
		m.JoinRoom("r1")
		assert.Equal(t, "r1", m.State().CurrentRoomID)

		m.Connect("u1")
		waitStatus(t, m, StatusConnected)
		require.Eventually(t, func() bool { return len(d.conn(0).sent(CommandJoin)) == 1 }, waitFor, time.Millisecond)
		join := d.conn(0).sent(CommandJoin)[0]
		assert.Equal(t, "u1", join["userId"])
		assert.Equal(t, "r1", join["roomId"])
	})

	t.Run("room is rejoined after reconnect", func(t *testing.T) {
		d := &fakeDialer{}
		m := connectedManager(t, d, nil)
		m.JoinRoom("r1")
		assert.Len(t, d.conn(0).sent(CommandJoin), 1)

		d.conn(0).drop(errNetDrop)
		require.Eventually(t, func() bool {
			c := d.conn(1)
			return c != nil && len(c.sent(CommandJoin)) == 1
		}, waitFor, time.Millisecond)
		assert.Equal(t, "r1", m.State().CurrentRoomID)
	})

	t.Run("switching rooms resets room view", func(t *testing.T) {
		d := &fakeDialer{}
		m := connectedManager(t, d, nil)
		m.JoinRoom("r1")
		d.conn(0).push(t, map[string]any{"type": EventNewMessage, "message": map[string]any{"id": "m1", "roomId": "r1", "userId": "u2", "content": "hi"}})
		require.Eventually(t, func() bool { return len(m.Snapshot().Messages) == 1 }, waitFor, time.Millisecond)

		m.JoinRoom("r2")
		snap := m.Snapshot()
		assert.Empty(t, snap.Messages)
		assert.Equal(t, "r2", snap.CurrentRoomID)
	})
}

func TestManagerSendMessage(t *testing.T) {
	t.Run("connected writes immediately", func(t *testing.T) {
		d := &fakeDialer{}
		m := connectedManager(t, d, nil)
		m.JoinRoom("r1")

		id := m.SendMessage("hello", &MessageOptions{MentionedUserIDs: []string{"u2"}})
		assert.Empty(t, id)
		msgs := d.conn(0).sent(CommandMessage)
		require.Len(t, msgs, 1)
		assert.Equal(t, "hello", msgs[0]["content"])
		assert.Equal(t, "r1", msgs[0]["roomId"])
		assert.Equal(t, MessageTypeText, msgs[0]["messageType"])
		assert.Equal(t, 0, m.Queue().Len())
	})

	t.Run("disconnected queues", func(t *testing.T) {
		m := newTestManager(t, &fakeDialer{}, nil)
		m.JoinRoom("r1")
		id := m.SendMessage("later", &MessageOptions{Attachment: &Attachment{URL: "https://cdn/p.png", FileName: "p.png"}})
		require.NotEmpty(t, id)

		items := m.Queue().Items()
		require.Len(t, items, 1)
		assert.Equal(t, id, items[0].ID)
		assert.Equal(t, "r1", items[0].RoomID)
		assert.Equal(t, "https://cdn/p.png", items[0].PhotoURL)
		assert.Equal(t, 1, m.Snapshot().Queue.Queued)
	})

	t.Run("failed write queues and records the error", func(t *testing.T) {
		d := &fakeDialer{}
		m := connectedManager(t, d, nil)
		d.conn(0).setFailWrites(true)

		id := m.SendMessage("retry me", nil)
		assert.NotEmpty(t, id)
		assert.Equal(t, 1, m.Queue().Len())
		assert.Contains(t, m.State().LastError, "send failed")
	})
}

func TestManagerDrainsQueueOnReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil)
	m.JoinRoom("r1")
	m.SendMessage("one", nil)
	m.SendMessage("two", nil)
	require.Equal(t, 2, m.Queue().Len())

	m.Connect("u1")
	waitStatus(t, m, StatusConnected)
	require.Eventually(t, func() bool { return m.Queue().Len() == 0 }, waitFor, time.Millisecond)

	msgs := d.conn(0).sent(CommandMessage)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0]["content"])
	assert.Equal(t, "two", msgs[1]["content"])

	// A later reconnect must not resend drained items.
	d.conn(0).drop(errNetDrop)
	require.Eventually(t, func() bool {
		return d.dials() == 2 && m.State().Status == StatusConnected
	}, waitFor, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, d.conn(1).sent(CommandMessage))
}

func TestManagerDrainFailureBumpsRetry(t *testing.T) {
	queue := NewOfflineQueue(NewMemoryStorage(), &QueueOptions{MaxRetries: 3})
	queue.Enqueue("stuck", KindMessage, "r1")

	d := &fakeDialer{failWrites: true}
	m := newTestManager(t, d, func(c *RealtimeConfig) { c.Queue = queue })
	m.Connect("u1")
	waitStatus(t, m, StatusConnected)

	require.Eventually(t, func() bool {
		items := queue.Items()
		return len(items) == 1 && items[0].RetryCount == 1 && !queue.Stats().Processing
	}, waitFor, time.Millisecond)

	d.setFailWrites(false)
	d.conn(0).drop(errNetDrop)
	require.Eventually(t, func() bool { return queue.Len() == 0 }, waitFor, time.Millisecond)
	msgs := d.conn(1).sent(CommandMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "stuck", msgs[0]["content"])
	assert.Equal(t, "r1", msgs[0]["roomId"])
}

func TestManagerFlush(t *testing.T) {
	t.Run("offline flush attempts nothing", func(t *testing.T) {
		m := newTestManager(t, &fakeDialer{}, nil)
		m.SendMessage("pending", nil)
		assert.True(t, m.Flush(context.Background()).Skipped)
		assert.Equal(t, 0, m.Queue().Items()[0].RetryCount)
	})

	t.Run("retries items left after a failed drain", func(t *testing.T) {
		queue := NewOfflineQueue(NewMemoryStorage(), nil)
		queue.Enqueue("again", KindMessage, "r1")

		d := &fakeDialer{failWrites: true}
		m := newTestManager(t, d, func(c *RealtimeConfig) { c.Queue = queue })
		m.Connect("u1")
		waitStatus(t, m, StatusConnected)
		require.Eventually(t, func() bool {
			return queue.Items()[0].RetryCount == 1 && !queue.Stats().Processing
		}, waitFor, time.Millisecond)

		d.conn(0).setFailWrites(false)
		res := m.Flush(context.Background())
		assert.Equal(t, 1, res.Sent)
		assert.Equal(t, 0, queue.Len())
	})

	t.Run("waits for an in-flight drain", func(t *testing.T) {
		d := &fakeDialer{}
		m := connectedManager(t, d, nil)
		m.Queue().Enqueue("held", KindMessage, "r1")

		started := make(chan struct{})
		release := make(chan struct{})
		go m.Queue().ProcessQueue(context.Background(), func(context.Context, QueuedItem) error {
			close(started)
			<-release
			return errors.New("held back")
		})
		<-started

		flushed := make(chan DrainResult, 1)
		go func() { flushed <- m.Flush(context.Background()) }()
		select {
		case <-flushed:
			t.Fatal("flush returned while another drain was running")
		case <-time.After(20 * time.Millisecond):
		}

		close(release)
		select {
		case res := <-flushed:
			assert.Equal(t, 1, res.Sent)
		case <-time.After(waitFor):
			t.Fatal("flush never returned")
		}
		assert.Equal(t, 0, m.Queue().Len())
		assert.Len(t, d.conn(0).sent(CommandMessage), 1)
	})

	t.Run("honours the context while waiting", func(t *testing.T) {
		m := connectedManager(t, &fakeDialer{}, nil)
		m.Queue().Enqueue("held", KindMessage, "r1")

		started := make(chan struct{})
		release := make(chan struct{})
		defer close(release)
		go m.Queue().ProcessQueue(context.Background(), func(context.Context, QueuedItem) error {
			close(started)
			<-release
			return nil
		})
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.True(t, m.Flush(ctx).Skipped)
	})
}

// ============================================================================
// Typing
// ============================================================================

func TestManagerSendTyping(t *testing.T) {
	t.Run("auto stop after timeout", func(t *testing.T) {
		d := &fakeDialer{}
		m := connectedManager(t, d, func(c *RealtimeConfig) { c.TypingTimeout = 10 * time.Millisecond })
		m.JoinRoom("r1")

		m.SendTyping(true)
		require.Eventually(t, func() bool { return len(d.conn(0).sent(CommandTyping)) == 2 }, waitFor, time.Millisecond)
		frames := d.conn(0).sent(CommandTyping)
		assert.Equal(t, true, frames[0]["isTyping"])
		assert.Equal(t, false, frames[1]["isTyping"])
		assert.Equal(t, "r1", frames[1]["roomId"])
	})

	t.Run("explicit stop cancels the timer", func(t *testing.T) {
		d := &fakeDialer{}
		m := connectedManager(t, d, func(c *RealtimeConfig) { c.TypingTimeout = 10 * time.Millisecond })
		m.SendTyping(true)
		m.SendTyping(false)
		time.Sleep(40 * time.Millisecond)
		assert.Len(t, d.conn(0).sent(CommandTyping), 2)
	})

	t.Run("never queued while offline", func(t *testing.T) {
		m := newTestManager(t, &fakeDialer{}, nil)
		m.SendTyping(true)
		assert.Zero(t, m.Queue().Len())
	})
}

func TestManagerPing(t *testing.T) {
	d := &fakeDialer{}
	m := connectedManager(t, d, func(c *RealtimeConfig) { c.PingInterval = 5 * time.Millisecond })
	require.Eventually(t, func() bool { return len(d.conn(0).sent(CommandPing)) >= 2 }, waitFor, time.Millisecond)

	d.conn(0).push(t, map[string]any{"type": EventPong})
	require.Eventually(t, func() bool { return !m.Snapshot().LastPong.IsZero() }, waitFor, time.Millisecond)
}

// ============================================================================
// Inbound events
// ============================================================================

func TestManagerInboundEvents(t *testing.T) {
	d := &fakeDialer{}
	m := connectedManager(t, d, nil)
	m.JoinRoom("r1")
	conn := d.conn(0)

	var (
		mu       sync.Mutex
		messages []ChatMessage
		invites  []PrivateChatRequestEvent
	)
	m.OnNewMessage(func(ev NewMessageEvent) {
		mu.Lock()
		messages = append(messages, ev.Message)
		mu.Unlock()
	})
	m.OnNewMessage(func(NewMessageEvent) { panic("bad subscriber") })
	m.OnPrivateChatRequest(func(ev PrivateChatRequestEvent) {
		mu.Lock()
		invites = append(invites, ev)
		mu.Unlock()
	})

	conn.push(t, map[string]any{"type": EventUserJoined, "userId": "u2", "username": "bob"})
	conn.push(t, map[string]any{"type": EventUserJoined, "userId": "u3"})
	conn.push(t, map[string]any{"type": EventRoomOnlineUsers, "roomId": "r1", "users": []string{"u1", "u2", "u3"}})
	conn.push(t, map[string]any{"type": EventUserTyping, "userId": "u2", "roomId": "r1", "isTyping": true})
	conn.push(t, map[string]any{"type": EventUserTyping, "userId": "u1", "roomId": "r1", "isTyping": true})
	conn.push(t, map[string]any{"type": EventUserTyping, "userId": "u3", "roomId": "other", "isTyping": true})

	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return len(s.TypingUsers) == 1 && len(s.RoomOnlineUsers) == 3
	}, waitFor, time.Millisecond)
	snap := m.Snapshot()
	assert.Equal(t, []string{"u2", "u3"}, snap.OnlineUsers)
	assert.Equal(t, []string{"u2"}, snap.TypingUsers)

	conn.frames <- []byte(`{"type":"new_message",`)
	conn.frames <- []byte(`{"type":"friend_request","from":"u9"}`)
	conn.push(t, map[string]any{"type": EventNewMessage, "message": map[string]any{"id": "m1", "roomId": "r1", "userId": "u2", "content": "hi"}})
	conn.push(t, map[string]any{"type": EventNewMessage, "message": map[string]any{"id": "m2", "roomId": "elsewhere", "userId": "u3", "content": "nope"}})
	conn.push(t, map[string]any{"type": EventPrivateChatRequest, "fromUserId": "u3", "roomId": "dm-1"})
	conn.push(t, map[string]any{"type": EventUserLeft, "userId": "u3"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(invites) == 1 && len(m.Snapshot().OnlineUsers) == 1
	}, waitFor, time.Millisecond)

	snap = m.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hi", snap.Messages[0].Content)
	assert.Empty(t, snap.TypingUsers, "a message clears its sender's typing flag")
	assert.Equal(t, []string{"u2"}, snap.OnlineUsers)
	assert.Equal(t, []string{"u1", "u2"}, snap.RoomOnlineUsers)
	assert.Equal(t, StatusConnected, snap.Status, "bad frames must not disturb the connection")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, messages, 2, "handlers see every frame, view state is room-filtered")
	assert.Equal(t, "m1", messages[0].ID)
	assert.Equal(t, "dm-1", invites[0].RoomID)
}

func TestManagerMessageHistoryBounded(t *testing.T) {
	d := &fakeDialer{}
	m := connectedManager(t, d, func(c *RealtimeConfig) { c.MaxMessages = 3 })
	for i := 0; i < 5; i++ {
		d.conn(0).push(t, map[string]any{"type": EventNewMessage, "message": map[string]any{"id": string(rune('a' + i)), "userId": "u2"}})
	}
	require.Eventually(t, func() bool {
		msgs := m.Snapshot().Messages
		return len(msgs) == 3 && msgs[2].ID == "e"
	}, waitFor, time.Millisecond)
	assert.Equal(t, "c", m.Snapshot().Messages[0].ID)
}

func TestManagerStateChangeHandlerMayReenter(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil)

	var once sync.Once
	m.OnStateChange(func(st ConnectionState) {
		if st.Status == StatusConnected {
			once.Do(func() { m.JoinRoom("lobby") })
		}
	})
	m.Connect("u1")
	require.Eventually(t, func() bool {
		c := d.conn(0)
		return c != nil && len(c.sent(CommandJoin)) == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, "lobby", m.State().CurrentRoomID)
}
