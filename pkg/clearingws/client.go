/**
 * @description
 * This package provides the websocket transport to the central clearinghouse. It owns the
 * handshake (bank identity and shared secret on the upgrade request), framing of JSON text
 * messages, and the ping/pong keepalive. Reconnect policy lives with the caller.
 *
 * @dependencies
 * - github.com/gorilla/websocket: The websocket client library.
 */
package clearingws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrUnauthorized is returned by Dial when the clearinghouse rejects the bank credentials.
var ErrUnauthorized = errors.New("clearinghouse rejected credentials")

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultKeepAlive        = 20 * time.Second
)

// Credentials identify this bank to the clearinghouse.
type Credentials struct {
	BankID   string
	BankName string
	Token    string
}

// Session is one authenticated connection. ReadFrame must be called from a single goroutine;
// WriteFrame and Ping are safe to call concurrently with it.
type Session interface {
	ReadFrame() ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
	Ping() error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Client dials the clearinghouse websocket endpoint.
type Client struct {
	URL         string
	Credentials Credentials
	// KeepAlive is the ping interval. A session that sees no frame or pong for twice this
	// long fails its next read.
	KeepAlive        time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// NewClient validates rawURL and returns a client. http(s) URLs are mapped to ws(s).
func NewClient(rawURL string, creds Credentials, keepAlive time.Duration) (*Client, error) {
	cleanURL, err := sanitizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(creds.BankID) == "" {
		return nil, errors.New("clearingws: bank id is required")
	}
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	return &Client{
		URL:              cleanURL,
		Credentials:      creds,
		KeepAlive:        keepAlive,
		HandshakeTimeout: defaultHandshakeTimeout,
		WriteTimeout:     defaultWriteTimeout,
	}, nil
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if clean == "" {
		return "", errors.New("clearingws: url is required")
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("clearingws: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("clearingws: url has no host")
	}
	return u.String(), nil
}

// Dial performs the websocket upgrade with the bank credentials.
func (c *Client) Dial(ctx context.Context) (Session, error) {
	header := http.Header{}
	header.Set("X-Bank-Id", c.Credentials.BankID)
	if c.Credentials.BankName != "" {
		header.Set("X-Bank-Name", c.Credentials.BankName)
	}
	if c.Credentials.Token != "" {
		header.Set("Authorization", "Bearer "+c.Credentials.Token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, c.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial clearinghouse: %w", err)
	}

	s := &wsSession{
		conn:         conn,
		readWindow:   2 * c.KeepAlive,
		writeTimeout: c.WriteTimeout,
	}
	s.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})
	return s, nil
}

type wsSession struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	readWindow   time.Duration
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (s *wsSession) extendReadDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.readWindow))
}

func (s *wsSession) ReadFrame() ([]byte, error) {
	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		s.extendReadDeadline()
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

func (s *wsSession) WriteFrame(ctx context.Context, payload []byte) error {
	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSession) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
