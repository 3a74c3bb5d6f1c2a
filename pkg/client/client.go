package client

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"

	"github.com/pulsegram/realtime/internal/domain"
	"github.com/pulsegram/realtime/pkg/logger"
)

// ErrNotConnected is returned by intents issued while the transport is down.
var ErrNotConnected = errors.New("not connected")

type Options struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL   string
	Token string

	Dialer *gws.Dialer
	Logger logger.Logger
	// Buffer is the capacity of the event channel handed to the UI.
	Buffer int
}

// Client is the reconnecting chat client. It keeps a reconciled per-room
// view of messages, members and staleness, promotes optimistic sends to
// confirmed ones by correlation id, and de-duplicates re-delivered events by
// message id. On reconnect it re-joins every open room and fetches the
// sequence gap before trusting the view again.
type Client struct {
	opts Options
	logg logger.Logger

	mu      sync.Mutex
	conn    *gws.Conn
	rooms   map[string]*roomState
	pending map[string]*PendingSend

	writeMu sync.Mutex
	events  chan domain.Envelope
	done    chan struct{}
	closed  sync.Once
}

// PendingSend is an optimistic, not-yet-confirmed outgoing message. A failed
// send stays visible as failed until the user retries it.
type PendingSend struct {
	CorrelationID string
	Room          string
	Content       string
	Failed        bool
}

func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger("info", "")
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	return &Client{
		opts:    opts,
		logg:    opts.Logger.WithModule("client"),
		rooms:   make(map[string]*roomState),
		pending: make(map[string]*PendingSend),
		events:  make(chan domain.Envelope, opts.Buffer),
		done:    make(chan struct{}),
	}
}

// Run dials and serves the connection, reconnecting with exponential backoff
// until the context is cancelled or Close is called. Each successful
// reconnect triggers reconciliation of every open room.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			c.logg.Warnf("dial %s failed: %v", c.opts.URL, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.done:
				return nil
			case <-time.After(bo.NextBackOff()):
				continue
			}
		}
		bo.Reset()

		c.setConn(conn)
		c.resync()
		c.readLoop(conn)

		c.setConn(nil)
		c.markAllStale()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}
	}
}

func (c *Client) dial(ctx context.Context) (*gws.Conn, error) {
	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = gws.DefaultDialer
	}
	u := c.opts.URL + "?token=" + url.QueryEscape(c.opts.Token)
	conn, _, err := dialer.DialContext(ctx, u, nil)
	return conn, err
}

func (c *Client) setConn(conn *gws.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && conn == nil {
		c.conn.Close()
	}
	c.conn = conn
}

func (c *Client) readLoop(conn *gws.Conn) {
	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.logg.Debugf("read ended: %v", err)
			return
		}
		c.apply(env)
	}
}

func (c *Client) write(env domain.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// Join opens a room: it is tracked across reconnects from now on. The
// initial join also requests history from the beginning of what the client
// holds.
func (c *Client) Join(room string) error {
	c.mu.Lock()
	r := c.ensureRoomLocked(room)
	r.open = true
	since := r.lastSeq
	c.mu.Unlock()

	if err := c.write(domain.Envelope{Type: domain.EventJoin, Room: room}); err != nil {
		return err
	}
	return c.write(domain.Envelope{Type: domain.EventSync, Room: room, SinceSeq: since})
}

// Leave closes a room; it will no longer be re-joined on reconnect.
func (c *Client) Leave(room string) error {
	c.mu.Lock()
	if r, ok := c.rooms[room]; ok {
		r.open = false
	}
	c.mu.Unlock()
	return c.write(domain.Envelope{Type: domain.EventLeave, Room: room})
}

// Send submits a message optimistically and returns its correlation id. The
// entry stays pending until the confirmed event arrives; on failure it is
// marked failed and kept for manual retry.
func (c *Client) Send(room, content string) (string, error) {
	corrID := uuid.NewString()

	c.mu.Lock()
	c.pending[corrID] = &PendingSend{CorrelationID: corrID, Room: room, Content: content}
	c.mu.Unlock()

	err := c.write(domain.Envelope{
		Type:          domain.EventSend,
		Room:          room,
		CorrelationID: corrID,
		Content:       content,
	})
	if err != nil {
		c.failPending(corrID)
		return corrID, err
	}
	return corrID, nil
}

// Retry re-submits a failed optimistic send.
func (c *Client) Retry(correlationID string) error {
	c.mu.Lock()
	p, ok := c.pending[correlationID]
	if !ok {
		c.mu.Unlock()
		return errors.New("no such pending message")
	}
	p.Failed = false
	room, content := p.Room, p.Content
	c.mu.Unlock()

	err := c.write(domain.Envelope{
		Type:          domain.EventSend,
		Room:          room,
		CorrelationID: correlationID,
		Content:       content,
	})
	if err != nil {
		c.failPending(correlationID)
	}
	return err
}

func (c *Client) TypingStart(room string) error {
	return c.write(domain.Envelope{Type: domain.EventTypingStart, Room: room})
}

func (c *Client) TypingStop(room string) error {
	return c.write(domain.Envelope{Type: domain.EventTypingStop, Room: room})
}

func (c *Client) MarkRead(room, messageID string) error {
	return c.write(domain.Envelope{Type: domain.EventMarkRead, Room: room, MessageID: messageID})
}

// Events is the stream of server events after reconciliation. Events the
// reconciled view rejected as duplicates do not appear here.
func (c *Client) Events() <-chan domain.Envelope {
	return c.events
}

// Messages returns the reconciled, sequence-ordered view of a room.
func (c *Client) Messages(room string) []domain.MessageEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[room]
	if !ok {
		return nil
	}
	out := make([]domain.MessageEvent, len(r.messages))
	copy(out, r.messages)
	return out
}

// Stale reports whether the room's view may be missing events (reconnect in
// progress, gap fetch not yet answered).
func (c *Client) Stale(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[room]
	return ok && r.stale
}

// Members returns the member list from the latest room_joined event.
func (c *Client) Members(room string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[room]
	if !ok {
		return nil
	}
	out := make([]string, len(r.members))
	copy(out, r.members)
	return out
}

// Pending returns the room's outstanding optimistic sends.
func (c *Client) Pending(room string) []PendingSend {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []PendingSend
	for _, p := range c.pending {
		if p.Room == room {
			out = append(out, *p)
		}
	}
	return out
}

// Close stops the run loop and drops the connection.
func (c *Client) Close() {
	c.closed.Do(func() {
		close(c.done)
		c.setConn(nil)
	})
}
