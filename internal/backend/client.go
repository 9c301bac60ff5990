package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultDialTimeout    = 5 * time.Second
	defaultReconnectDelay = 500 * time.Millisecond
	defaultMaxReconnects  = 5
)

// Config holds the tunables for one job channel client.
type Config struct {
	// BaseURL is the backend's HTTP address, e.g. http://127.0.0.1:8188.
	BaseURL string
	// ClientID identifies this client on the push channel. Empty means a
	// fresh UUID.
	ClientID string
	// DialTimeout bounds each websocket dial attempt.
	DialTimeout time.Duration
	// ReconnectDelay is the base backoff; attempt n sleeps n*ReconnectDelay.
	ReconnectDelay time.Duration
	// MaxReconnects bounds reconnect attempts before giving up for good.
	MaxReconnects int
	// OnStatus receives backend queue-depth pushes. Must not block.
	OnStatus func(QueueStatus)
	// OnDisconnect fires once when the channel is permanently down.
	OnDisconnect func()
	Logger       zerolog.Logger
}

// Client maintains one long-lived duplex connection to a backend and turns
// its push events into addressable per-job outcomes. Job submission and
// control calls go over HTTP; progress, previews and completions arrive on
// the websocket.
type Client struct {
	cfg   Config
	httpc *http.Client
	wsURL string

	mu       sync.Mutex
	conn     *websocket.Conn
	jobs     map[string]*jobEntry
	current  string // job receiving unaddressed preview frames
	closed   bool
	onStatus func(QueueStatus)

	quit chan struct{} // closed by Close
	down chan struct{} // closed when the channel is permanently down
	wg   sync.WaitGroup
}

// New builds a client for the given backend address. Call Connect before
// queueing jobs.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend: empty base url")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	wsURL, err := websocketURL(cfg.BaseURL, cfg.ClientID)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg,
		httpc:    &http.Client{},
		wsURL:    wsURL,
		jobs:     make(map[string]*jobEntry),
		quit:     make(chan struct{}),
		down:     make(chan struct{}),
		onStatus: cfg.OnStatus,
	}, nil
}

// ClientID returns the push-channel client identity.
func (c *Client) ClientID() string { return c.cfg.ClientID }

// SetStatusFunc replaces the queue-status callback.
func (c *Client) SetStatusFunc(fn func(QueueStatus)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// Down returns a channel closed once the job channel is permanently down.
func (c *Client) Down() <-chan struct{} { return c.down }

func websocketURL(base, clientID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("backend: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("backend: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("clientId", clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the push channel and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return disconnectedError{}
	}
	c.conn = conn
	c.mu.Unlock()
	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dctx, c.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: dial %s: %w", c.wsURL, err)
	}
	return conn, nil
}

// readLoop consumes push messages until the connection fails beyond repair
// or the client is closed. Unexpected closes trigger reconnects with a
// linearly growing backoff up to MaxReconnects attempts.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		mt, data, err := conn.ReadMessage()
		if err == nil {
			if mt == websocket.BinaryMessage {
				c.routePreview(data)
			} else {
				c.handleEvent(data)
			}
			continue
		}
		conn.Close()
		if c.isClosed() {
			return
		}
		next, ok := c.reconnect()
		if !ok {
			c.markDown()
			return
		}
		conn = next
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
	}
}

// reconnect retries the dial with backoff delay*attempt. Returns false
// once the attempt budget is spent or the client is closed.
func (c *Client) reconnect() (*websocket.Conn, bool) {
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		select {
		case <-time.After(time.Duration(attempt) * c.cfg.ReconnectDelay):
		case <-c.quit:
			return nil, false
		}
		conn, err := c.dial(context.Background())
		if err == nil {
			c.cfg.Logger.Info().Int("attempt", attempt).Msg("backend channel reconnected")
			return conn, true
		}
		c.cfg.Logger.Warn().Err(err).Int("attempt", attempt).Int("max", c.cfg.MaxReconnects).
			Msg("backend channel reconnect failed")
	}
	return nil, false
}

// markDown fails every pending job and surfaces the permanent disconnect.
func (c *Client) markDown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, e := range c.jobs {
		e.resolve(Outcome{}, disconnectedError{})
	}
	c.mu.Unlock()
	close(c.down)
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect()
	}
	c.cfg.Logger.Error().Msg("backend channel permanently down")
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close shuts the channel down. Pending jobs resolve as disconnected.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	for _, e := range c.jobs {
		e.resolve(Outcome{}, disconnectedError{})
	}
	c.mu.Unlock()
	close(c.quit)
	close(c.down)
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	return nil
}

// Ping reports whether the backend answers its queue endpoint.
func (c *Client) Ping(ctx context.Context) bool {
	_, err := c.QueueStatus(ctx)
	return err == nil
}

// QueueStatus fetches the backend's current queue depth.
func (c *Client) QueueStatus(ctx context.Context) (QueueStatus, error) {
	var out QueueStatus
	if err := c.doJSON(ctx, http.MethodGet, "/queue", nil, &out); err != nil {
		return QueueStatus{}, err
	}
	return out, nil
}

// Interrupt asks the backend to abort its current job.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/interrupt", struct{}{}, nil)
}

// LoadModel asks the backend to switch to the named model.
func (c *Client) LoadModel(ctx context.Context, name string) error {
	body := struct {
		Model string `json:"model"`
	}{Model: name}
	return c.doJSON(ctx, http.MethodPost, "/models/load", body, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: encode %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("backend: decode %s: %w", path, err)
		}
	}
	return nil
}
