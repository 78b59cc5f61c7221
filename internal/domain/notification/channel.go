package notification

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"stockdesk/internal/pkg/logger"
)

const (
	StreamPath = "/api/ws/notifications"

	DefaultMaxReconnectAttempts = 10
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second

	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	dialTimeout  = 10 * time.Second
	maxFrameSize = 512 * 1024
)

// Frame types sent by the server.
const (
	FrameConnected    = "connected"
	FrameNotification = "notification"
	FrameHeartbeat    = "heartbeat"
)

// ConnState is the channel's connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Frame is one message on the stream.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ChannelOptions struct {
	// BaseURL is the ws:// or wss:// origin of the backend.
	BaseURL string
	// Token returns the access token at connect time.
	Token func() string
	Feed  *Feed

	// MaxAttempts caps reconnects after an unplanned close; nil means
	// DefaultMaxReconnectAttempts and zero means never reconnect.
	MaxAttempts *int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Channel keeps one WebSocket to the notification stream open and feeds
// incoming notifications into the Feed. Unplanned closes are followed by a
// reconnect with exponential delay until the attempt budget runs out.
//
// Every connection attempt gets a generation number. Disconnect and Connect
// bump it, so callbacks still running for an older connection find a
// stale generation and do nothing.
type Channel struct {
	baseURL string
	token   func() string
	feed    *Feed
	dialer  *websocket.Dialer
	log     *slog.Logger

	maxAttempts int
	backoff     backoff.BackOff

	mu       sync.Mutex
	state    ConnState
	conn     *websocket.Conn
	attempts int
	gen      uint64
	timer    *time.Timer
	cancel   context.CancelFunc
}

func NewChannel(opts ChannelOptions) *Channel {
	maxAttempts := DefaultMaxReconnectAttempts
	if opts.MaxAttempts != nil {
		maxAttempts = max(*opts.MaxAttempts, 0)
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultReconnectBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultReconnectMaxDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: dialTimeout}
	}
	if opts.Token == nil {
		opts.Token = func() string { return "" }
	}
	if opts.Feed == nil {
		opts.Feed = NewFeed(nil)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = opts.BaseDelay
	exp.MaxInterval = opts.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	b := backoff.WithMaxRetries(exp, uint64(maxAttempts))
	b.Reset()

	return &Channel{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		token:       opts.Token,
		feed:        opts.Feed,
		dialer:      opts.Dialer,
		log:         logger.OrDiscard(opts.Logger).With(logger.Component("notification-channel")),
		maxAttempts: maxAttempts,
		backoff:     b,
		state:       StateDisconnected,
	}
}

func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// Attempts is the number of reconnects made since the last successful
// connection or manual Connect.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Channel) Feed() *Feed { return c.feed }

// Connect opens the stream, replacing any existing connection, and resets
// the reconnect budget. It returns once the first dial has finished;
// failures are handled by the reconnect loop and only logged.
func (c *Channel) Connect() {
	c.mu.Lock()
	c.attempts = 0
	c.backoff.Reset()
	c.mu.Unlock()
	c.open()
}

// Disconnect cancels a pending reconnect and closes the stream without
// reconnecting.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.teardownLocked()
	c.state = StateDisconnected
	c.attempts = 0
	c.backoff.Reset()
	c.mu.Unlock()
	c.log.Info("disconnected")
}

// teardownLocked stops the reconnect timer, aborts a dial in progress and
// closes the active connection.
func (c *Channel) teardownLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Channel) streamURL(tok string) string {
	return c.baseURL + StreamPath + "?token=" + url.QueryEscape(tok)
}

func (c *Channel) open() {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.teardownLocked()

	tok := c.token()
	if tok == "" {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.log.Warn("no access token, not connecting")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	c.cancel = cancel
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.streamURL(tok), nil)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.cancel = nil
	if err != nil {
		c.state = StateDisconnected
		c.log.Warn("connect failed", "attempt", c.attempts, logger.Error(err))
		c.scheduleReconnectLocked(gen)
		c.mu.Unlock()
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.backoff.Reset()
	c.mu.Unlock()

	c.log.Info("connected")
	go c.readLoop(conn, gen)
}

// scheduleReconnectLocked arms the reconnect timer unless the budget is
// spent, in which case the channel stays disconnected until Connect.
func (c *Channel) scheduleReconnectLocked(gen uint64) {
	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		c.log.Error("max reconnect attempts reached, giving up", "attempts", c.attempts)
		return
	}
	c.log.Info("reconnect scheduled",
		"delay", delay,
		"attempt", c.attempts+1,
		"max_attempts", c.maxAttempts,
	)
	c.timer = time.AfterFunc(delay, func() { c.reconnect(gen) })
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.attempts++
	c.mu.Unlock()
	c.open()
}

func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.closed(gen, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.log.Warn("unparseable frame", logger.Error(err))
			continue
		}
		c.handleFrame(f)
	}
}

// closed handles the end of a connection. Only the current generation
// schedules a reconnect.
func (c *Channel) closed(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Warn("connection lost", logger.Error(err))
	} else {
		c.log.Info("connection closed", logger.Error(err))
	}
	c.scheduleReconnectLocked(gen)
}

func (c *Channel) handleFrame(f Frame) {
	switch f.Type {
	case FrameConnected:
		c.log.Debug("server acknowledged connection", "data", string(f.Data))
	case FrameNotification:
		var n Notification
		if err := json.Unmarshal(f.Data, &n); err != nil {
			c.log.Warn("bad notification frame", logger.Error(err))
			return
		}
		if n.Title == "" || n.Type == "" {
			c.log.Warn("notification frame without title or type")
			return
		}
		n = c.feed.Add(n)
		c.log.Info("notification received", "id", n.ID, "type", n.Type)
	case FrameHeartbeat:
	default:
		c.log.Warn("unknown frame type", "type", f.Type)
	}
}
