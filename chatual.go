// Package chatual provides the Go client for Chatual's realtime chat.
//
// It covers the realtime connection manager and the offline queue that
// buffers outbound messages while the socket is down.
//
// Example:
//
//	store, _ := chatual.NewSQLiteStorage("state.db")
//	client := chatual.NewClient("https://chat.example.com", chatual.WithStorage(store))
//	defer client.Close()
//
//	rt := client.Realtime(nil)
//	rt.OnNewMessage(func(ev chatual.NewMessageEvent) { fmt.Println(ev.Message.Content) })
//	rt.Connect("user-123")
//	rt.JoinRoom("general")
//	rt.SendMessage("Hello!", nil)
package chatual

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/chatual/chatual-go/internal/transport"
)

const (
	DefaultOrigin      = "http://localhost:3000"
	DefaultDialTimeout = 10 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	origin       string
	logger       *zap.Logger
	storage      Storage
	httpClient   *http.Client
	dialer       Dialer
	queueOptions QueueOptions

	queueOnce sync.Once
	queue     *OfflineQueue
}

type ClientOption func(*Client)

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithStorage sets the durable store for the offline queue and session.
// The Client takes ownership and closes it in Close.
func WithStorage(s Storage) ClientOption {
	return func(c *Client) { c.storage = s }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithDialer(d Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

func WithQueueOptions(opts QueueOptions) ClientOption {
	return func(c *Client) { c.queueOptions = opts }
}

// NewClient creates a client for the Chatual deployment served at origin.
// An empty origin falls back to DefaultOrigin.
func NewClient(origin string, opts ...ClientOption) *Client {
	if origin == "" {
		origin = DefaultOrigin
	}
	c := &Client{
		origin: origin,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.storage == nil {
		c.storage = NewMemoryStorage()
	}
	if c.dialer == nil {
		d := &transport.WebSocketDialer{ReadLimit: 1 << 20}
		if c.httpClient != nil {
			d.Options = &websocket.DialOptions{HTTPClient: c.httpClient}
		}
		c.dialer = d
	}
	return c
}

// Origin returns the configured page origin.
func (c *Client) Origin() string { return c.origin }

// Storage returns the durable store.
func (c *Client) Storage() Storage { return c.storage }

// Queue returns the offline queue, loading persisted items on first use.
func (c *Client) Queue() *OfflineQueue {
	c.queueOnce.Do(func() {
		opts := c.queueOptions
		if opts.Logger == nil {
			opts.Logger = c.logger
		}
		c.queue = NewOfflineQueue(c.storage, &opts)
	})
	return c.queue
}

// Realtime creates a connection manager sharing the client's origin, logger,
// dialer and offline queue. Unset fields of cfg are defaulted.
func (c *Client) Realtime(cfg *RealtimeConfig) *Manager {
	var rc RealtimeConfig
	if cfg != nil {
		rc = *cfg
	}
	if rc.Origin == "" {
		rc.Origin = c.origin
	}
	if rc.Logger == nil {
		rc.Logger = c.logger
	}
	if rc.Dialer == nil {
		rc.Dialer = c.dialer
	}
	if rc.Queue == nil {
		rc.Queue = c.Queue()
	}
	if rc.DialTimeout == 0 {
		rc.DialTimeout = DefaultDialTimeout
	}
	return NewManager(rc)
}

// Login persists the authenticated user.
func (c *Client) Login(ctx context.Context, sess Session) error {
	return SaveSession(ctx, c.storage, sess)
}

// Session returns the persisted user, or ErrNotFound.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	return LoadSession(ctx, c.storage)
}

// Logout forgets the persisted user. Queued items are kept.
func (c *Client) Logout(ctx context.Context) error {
	return ClearSession(ctx, c.storage)
}

// Close releases the storage backend.
func (c *Client) Close() error {
	return c.storage.Close()
}
