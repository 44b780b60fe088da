package moip

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RestEvent is one change notification from the management-plane event
// stream. Data holds the resource as the REST API would return it.
type RestEvent struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	ID     int             `json:"id"`
	Data   json.RawMessage `json:"data"`
}

// REST event types understood by the dispatcher.
const (
	RestEventGroupTX = "group_tx"
	RestEventGroupRX = "group_rx"
	RestEventUnit    = "unit"
	RestEventRouting = "routing"
)

// restSession is one authenticated management-plane session. conn is nil
// when the event stream is disabled.
type restSession struct {
	done *closeOnce
	conn *websocket.Conn

	mu  sync.Mutex
	err error
}

func (s *restSession) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.done.Close()
}

// Name implements Transport.
func (c *RestClient) Name() string { return "rest" }

// Events returns decoded REST change events. Never closed.
func (c *RestClient) Events() <-chan RestEvent {
	return c.events
}

// Dial applies settings and checks the API port is reachable.
func (c *RestClient) Dial(ctx context.Context, s Settings) error {
	if c.closed.IsClosed() {
		return ErrClosed
	}
	c.Drop(errors.New("redial"))

	if err := c.Configure(s); err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.APIPort))
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		c.errorsTotal.Add(1)
		return &NetworkError{Op: "dial " + addr, Err: err}
	}
	return conn.Close()
}

// Authenticate logs in with a fresh token and opens the event stream when
// one is configured.
func (c *RestClient) Authenticate(ctx context.Context, s Settings) error {
	c.tokens.Invalidate()
	token, err := c.tokens.EnsureValid(ctx)
	if err != nil {
		return err
	}

	sess := &restSession{done: newCloseOnce()}
	if c.cfg.EventStreamPath != "" {
		conn, err := c.dialStream(ctx, s, token)
		if err != nil {
			return err
		}
		sess.conn = conn
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	c.sessions.Add(1)

	if sess.conn != nil {
		c.wg.Add(2)
		go c.streamLoop(sess)
		go c.pingLoop(sess)
	}

	c.logger.Info("rest session established", "base_url", s.APIBaseURL(), "event_stream", sess.conn != nil)
	return nil
}

func (c *RestClient) dialStream(ctx context.Context, s Settings, token string) (*websocket.Conn, error) {
	c.mu.RLock()
	tlsConf := c.tlsConf
	c.mu.RUnlock()

	url := "wss://" + net.JoinHostPort(s.Host, strconv.Itoa(s.APIPort)) + "/api/v1/" +
		strings.TrimPrefix(c.cfg.EventStreamPath, "/")

	dialer := websocket.Dialer{
		TLSClientConfig:  tlsConf,
		HandshakeTimeout: c.cfg.RequestTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		c.errorsTotal.Add(1)
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.tokens.Invalidate()
			return nil, &AuthError{Transport: "rest", Reason: "event stream rejected token", Err: err}
		}
		return nil, &NetworkError{Op: "event stream", Err: err}
	}
	return conn, nil
}

func (c *RestClient) streamLoop(sess *restSession) {
	defer c.wg.Done()

	// Any frame, pong included, proves the stream is alive.
	readWait := c.cfg.StreamPingInterval + c.cfg.StreamPongTimeout
	sess.conn.SetReadDeadline(time.Now().Add(readWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if !sess.done.IsClosed() {
				c.logger.Warn("rest event stream lost", "error", err)
			}
			sess.fail(&NetworkError{Op: "event stream read", Err: err})
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(readWait))

		var ev RestEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			c.logger.Warn("discarding malformed rest event", "payload", errorText(data))
			continue
		}

		c.eventsRx.Add(1)
		select {
		case c.events <- ev:
		default:
			c.eventsDropped.Add(1)
			c.logger.Warn("event queue full, dropping rest event", "type", ev.Type)
		}
	}
}

// pingLoop pings the event stream until the session ends. A failed ping
// ends the session.
func (c *RestClient) pingLoop(sess *restSession) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.StreamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.StreamPongTimeout)
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !sess.done.IsClosed() {
					c.logger.Warn("rest event stream ping failed", "error", err)
				}
				sess.fail(&NetworkError{Op: "event stream ping", Err: err})
				return
			}
		}
	}
}

// Ping implements Transport with an authenticated GET /base.
func (c *RestClient) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/base", mimeJSON, nil)
	return err
}

// Done implements Transport.
func (c *RestClient) Done() <-chan struct{} {
	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()
	if sess == nil {
		return closedChan
	}
	return sess.done.Done()
}

// Drop ends the current session and its event stream.
func (c *RestClient) Drop(reason error) {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()
	if sess != nil {
		sess.fail(&NetworkError{Op: "drop", Err: reason})
	}
}

// IsConnected reports whether an authenticated session is live.
func (c *RestClient) IsConnected() bool {
	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()
	return sess != nil && !sess.done.IsClosed()
}

// Close ends the session and releases idle connections.
func (c *RestClient) Close() error {
	c.closed.Close()
	c.Drop(ErrClosed)
	c.wg.Wait()

	c.mu.RLock()
	hc := c.http
	c.mu.RUnlock()
	if hc != nil {
		hc.CloseIdleConnections()
	}
	return nil
}
