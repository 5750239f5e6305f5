// Package socket keeps a Socket.IO (v4, websocket transport) subscription to
// the push-event channel open, reconnecting until its context is cancelled.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Event names emitted by the push channel.
const (
	EventRoomJoined = "roomJoined"
	EventNewTask    = "onNewTask"
	EventEvaluate   = "onEvaluate"
)

const sdkVersion = "0.3.0"

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Auth is presented on every (re)connect.
type Auth struct {
	WalletAddress    string `json:"walletAddress"`
	EvaluatorAddress string `json:"evaluatorAddress,omitempty"`
}

// Event is one named message from the channel. Data is the raw first argument.
type Event struct {
	Name string
	Data json.RawMessage
}

// Handler receives events on the read loop; it must not block for long.
type Handler func(Event)

var (
	ErrConnectRejected = errors.New("socket connect rejected")
	ErrServerClosed    = errors.New("socket closed by server")
)

type Client struct {
	endpoint   string
	auth       Auth
	dialer     *websocket.Dialer
	header     http.Header
	minBackoff time.Duration
	maxBackoff time.Duration

	state   atomic.Int32
	writeMu sync.Mutex
}

type Option func(*Client)

func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		c.minBackoff = min
		c.maxBackoff = max
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// NewClient builds a client for the socket server at baseURL (http(s) or ws(s)).
func NewClient(baseURL string, auth Auth, opts ...Option) (*Client, error) {
	endpoint, err := Endpoint(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		endpoint:   endpoint,
		auth:       auth,
		dialer:     websocket.DefaultDialer,
		minBackoff: time.Second,
		maxBackoff: 5 * time.Second,
		header: http.Header{
			"x-sdk-version":  []string{sdkVersion},
			"x-sdk-language": []string{"go"},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint maps a server base URL onto its Socket.IO websocket endpoint.
func Endpoint(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid socket url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid socket url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"
	u.RawQuery = url.Values{"EIO": {"4"}, "transport": {"websocket"}}.Encode()
	return u.String(), nil
}

func (c *Client) State() State { return State(c.state.Load()) }

// Run connects and delivers events to handle until ctx is done. Drops are
// followed by a reconnect after a delay that doubles up to the configured cap.
func (c *Client) Run(ctx context.Context, handle Handler) error {
	backoff := c.minBackoff
	for {
		connID := uuid.New().String()
		connected, err := c.session(ctx, connID, handle)
		c.state.Store(int32(StateDisconnected))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = c.minBackoff
		}
		log.Printf("conn_id=%s: socket disconnected: %v; reconnecting in %s", connID, err, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

// session runs one connection. connected reports whether the namespace
// handshake completed.
func (c *Client) session(ctx context.Context, connID string, handle Handler) (connected bool, err error) {
	c.state.Store(int32(StateConnecting))
	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, c.header)
	if err != nil {
		return false, fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("failed to read open packet: %w", err)
	}
	if len(msg) == 0 || msg[0] != '0' {
		return false, fmt.Errorf("unexpected open packet %q", msg)
	}
	var open openPacket
	if err := json.Unmarshal(msg[1:], &open); err != nil {
		return false, fmt.Errorf("failed to decode open packet: %w", err)
	}
	deadline := time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond

	auth, err := json.Marshal(c.auth)
	if err != nil {
		return false, err
	}
	if err := c.write(conn, "40"+string(auth)); err != nil {
		return false, fmt.Errorf("failed to send auth: %w", err)
	}

	for {
		if deadline > 0 {
			conn.SetReadDeadline(time.Now().Add(deadline))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return connected, err
		}
		p, err := parsePacket(string(msg))
		if err != nil {
			log.Printf("conn_id=%s: dropping malformed packet: %v", connID, err)
			continue
		}
		switch p.kind {
		case packetPing:
			if err := c.write(conn, "3"); err != nil {
				return connected, err
			}
		case packetConnect:
			connected = true
			c.state.Store(int32(StateConnected))
			log.Printf("conn_id=%s: socket connected as %s", connID, c.auth.WalletAddress)
		case packetConnectError:
			return connected, fmt.Errorf("%w: %s", ErrConnectRejected, p.data)
		case packetDisconnect, packetClose:
			return connected, ErrServerClosed
		case packetEvent:
			if p.ackID != "" {
				if err := c.write(conn, "43"+p.ackID+"[true]"); err != nil {
					return connected, err
				}
			}
			handle(Event{Name: p.event, Data: p.data})
		}
	}
}

func (c *Client) write(conn *websocket.Conn, msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

type packetKind int

const (
	packetOther packetKind = iota
	packetPing
	packetClose
	packetConnect
	packetDisconnect
	packetEvent
	packetConnectError
)

type packet struct {
	kind  packetKind
	ackID string
	event string
	data  json.RawMessage
}

// parsePacket decodes the engine.io / socket.io framing used on the default namespace.
func parsePacket(msg string) (packet, error) {
	if msg == "" {
		return packet{}, errors.New("empty packet")
	}
	switch msg[0] {
	case '1':
		return packet{kind: packetClose}, nil
	case '2':
		return packet{kind: packetPing}, nil
	case '4':
	default:
		return packet{kind: packetOther}, nil
	}
	body := msg[1:]
	if body == "" {
		return packet{kind: packetOther}, nil
	}
	kind, rest := body[0], body[1:]
	switch kind {
	case '0':
		return packet{kind: packetConnect, data: json.RawMessage(rest)}, nil
	case '1':
		return packet{kind: packetDisconnect}, nil
	case '4':
		return packet{kind: packetConnectError, data: json.RawMessage(rest)}, nil
	case '2':
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		ackID := rest[:i]
		var args []json.RawMessage
		if err := json.Unmarshal([]byte(rest[i:]), &args); err != nil {
			return packet{}, fmt.Errorf("invalid event packet: %w", err)
		}
		if len(args) == 0 {
			return packet{}, errors.New("event packet without name")
		}
		var name string
		if err := json.Unmarshal(args[0], &name); err != nil {
			return packet{}, fmt.Errorf("invalid event name: %w", err)
		}
		p := packet{kind: packetEvent, ackID: ackID, event: name}
		if len(args) > 1 {
			p.data = args[1]
		}
		return p, nil
	}
	return packet{kind: packetOther}, nil
}
