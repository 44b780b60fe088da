package moip

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

func (c *closeOnce) IsClosed() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// closedChan is returned by Done when no session exists.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Default timeouts and limits for the line-protocol session.
const (
	defaultConnectTimeout   = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultAuthPromptWindow = 1500 * time.Millisecond
	defaultMaxAuthCycles    = 3
	defaultQueryQuietPeriod = 300 * time.Millisecond

	// eventQueueSize bounds decoded events waiting for the dispatcher.
	eventQueueSize = 256

	// maxLineLength is the longest frame accepted; longer lines are
	// discarded up to the next newline.
	maxLineLength = 8192
)

// LineConfig holds line-protocol session tuning.
type LineConfig struct {
	// ConnectTimeout bounds dialing and the login exchange.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// AuthPromptWindow is how long to wait for a login prompt after
	// connecting, and for a further prompt after sending the password.
	// Silence for this long means the session is authenticated.
	// Default: 1.5 seconds.
	AuthPromptWindow time.Duration

	// MaxAuthCycles is the number of rejected login attempts tolerated
	// before failing with AuthError. Default: 3.
	MaxAuthCycles int

	// QueryQuietPeriod ends a multi-line query reply early when no further
	// line arrives for this long. Default: 300 ms.
	QueryQuietPeriod time.Duration
}

func (c *LineConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.AuthPromptWindow <= 0 {
		c.AuthPromptWindow = defaultAuthPromptWindow
	}
	if c.MaxAuthCycles <= 0 {
		c.MaxAuthCycles = defaultMaxAuthCycles
	}
	if c.QueryQuietPeriod <= 0 {
		c.QueryQuietPeriod = defaultQueryQuietPeriod
	}
}

// LineStats holds line-protocol operational statistics.
type LineStats struct {
	Requests      uint64    `json:"requests"`
	Errors        uint64    `json:"errors"`
	Violations    uint64    `json:"violations"`
	EventsRx      uint64    `json:"events_rx"`
	EventsDropped uint64    `json:"events_dropped"`
	Sessions      uint64    `json:"sessions"`
	LastActivity  time.Time `json:"last_activity,omitzero"`
	Connected     bool      `json:"connected"`
}

// LineTransport owns one persistent session to the controller's control port.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Requests are serialised through a single in-flight slot; concurrent
//     callers wait for the slot or for their context to expire.
//   - Broadcasts (~) are delivered on Events, which survives reconnects.
type LineTransport struct {
	cfg    LineConfig
	logger Logger

	slot   chan struct{}
	events chan Frame

	mu      sync.RWMutex
	dialed  net.Conn // connected but not yet authenticated
	session *lineSession

	closed *closeOnce
	wg     sync.WaitGroup

	requests      atomic.Uint64
	errorsTotal   atomic.Uint64
	violations    atomic.Uint64
	eventsRx      atomic.Uint64
	eventsDropped atomic.Uint64
	sessions      atomic.Uint64
	lastActivity  atomic.Int64
}

// NewLineTransport creates an unconnected transport. The supervisor drives
// Dial and Authenticate.
func NewLineTransport(cfg LineConfig, logger Logger) *LineTransport {
	cfg.applyDefaults()
	return &LineTransport{
		cfg:    cfg,
		logger: loggerOrNop(logger),
		slot:   make(chan struct{}, 1),
		events: make(chan Frame, eventQueueSize),
		closed: newCloseOnce(),
	}
}

// Name implements Transport.
func (t *LineTransport) Name() string { return "line" }

// Events returns the stream of broadcast frames. The channel is never
// closed; it keeps delivering across reconnects until Close.
func (t *LineTransport) Events() <-chan Frame {
	return t.events
}

// Dial opens the TCP connection to the control port, replacing any
// previous session.
func (t *LineTransport) Dial(ctx context.Context, s Settings) error {
	if t.closed.IsClosed() {
		return ErrClosed
	}
	t.Drop(errors.New("redial"))

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", s.LineAddress())
	if err != nil {
		t.errorsTotal.Add(1)
		return &NetworkError{Op: "dial " + s.LineAddress(), Err: err}
	}

	t.mu.Lock()
	t.dialed = conn
	t.mu.Unlock()
	return nil
}

// Authenticate runs the login prompt exchange on the dialed connection and
// starts the reader. Controllers that never prompt are accepted after the
// prompt window passes in silence.
func (t *LineTransport) Authenticate(ctx context.Context, s Settings) error {
	t.mu.Lock()
	conn := t.dialed
	t.dialed = nil
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	authCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	if err := t.login(authCtx, conn, s.Telnet); err != nil {
		conn.Close()
		t.errorsTotal.Add(1)
		return err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return &NetworkError{Op: "clear deadline", Err: err}
	}

	sess := newLineSession(conn)
	t.mu.Lock()
	t.session = sess
	t.mu.Unlock()

	t.sessions.Add(1)
	t.touch()

	t.wg.Add(1)
	go t.readLoop(sess)

	t.logger.Info("line session established", "address", s.LineAddress())
	return nil
}

type promptKind int

const (
	promptNone promptKind = iota
	promptUser
	promptPassword
)

// classifyPrompt looks at the last line of text received during login.
func classifyPrompt(text string) promptKind {
	text = strings.TrimRight(text, " \t")
	if !strings.HasSuffix(text, ":") {
		return promptNone
	}
	last := text
	if i := strings.LastIndexAny(text, "\r\n"); i >= 0 {
		last = text[i+1:]
	}
	last = strings.ToLower(last)
	switch {
	case strings.Contains(last, "password"):
		return promptPassword
	case strings.Contains(last, "login"), strings.Contains(last, "user"):
		return promptUser
	}
	return promptNone
}

// login answers username/password prompts until the controller goes quiet.
func (t *LineTransport) login(ctx context.Context, conn net.Conn, creds Credentials) error {
	attempts := 0
	for {
		text, err := t.readPrompt(ctx, conn)
		kind := classifyPrompt(text)

		if kind == promptNone {
			var netErr net.Error
			switch {
			case err == nil:
				continue // banner text
			case errors.As(err, &netErr) && netErr.Timeout() && ctx.Err() == nil:
				return nil // quiet: authenticated or no login required
			case attempts > 0:
				return &AuthError{Transport: "line", Reason: "controller closed the session during login", Err: err}
			default:
				return &NetworkError{Op: "login", Err: err}
			}
		}

		if creds.Username == "" {
			return &AuthError{Transport: "line", Reason: "controller requires credentials but none are configured"}
		}

		var reply string
		switch kind {
		case promptUser:
			if attempts >= t.cfg.MaxAuthCycles {
				return &AuthError{Transport: "line", Reason: fmt.Sprintf("login rejected after %d attempts", attempts)}
			}
			reply = creds.Username
		case promptPassword:
			attempts++
			reply = creds.Password
		}

		if err := t.writeLine(ctx, conn, reply); err != nil {
			return &NetworkError{Op: "login", Err: err}
		}
	}
}

// readPrompt accumulates text until a prompt is seen, the prompt window
// elapses or the connection fails.
func (t *LineTransport) readPrompt(ctx context.Context, conn net.Conn) (string, error) {
	deadline := time.Now().Add(t.cfg.AuthPromptWindow)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}

	var acc strings.Builder
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		acc.Write(buf[:n])
		if classifyPrompt(acc.String()) != promptNone {
			return acc.String(), nil
		}
		if err != nil {
			return acc.String(), err
		}
		if acc.Len() > maxLineLength {
			return "", nil
		}
	}
}

func (t *LineTransport) writeLine(ctx context.Context, conn net.Conn, line string) error {
	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := io.WriteString(conn, line+"\n")
	return err
}

// readLoop reads frames until the session fails. It never reconnects by
// itself; the supervisor watches Done.
func (t *LineTransport) readLoop(sess *lineSession) {
	defer t.wg.Done()

	r := bufio.NewReaderSize(sess.conn, 1024)
	for {
		line, oversized, err := readLine(r)
		if err != nil {
			if !sess.done.IsClosed() {
				t.logger.Warn("line session lost", "error", err)
			}
			sess.fail(&NetworkError{Op: "read", Err: err})
			return
		}
		t.touch()

		if oversized {
			t.violations.Add(1)
			t.logger.Warn("discarding oversized line", "limit", maxLineLength)
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		frame, perr := ParseFrame(line)
		if perr != nil {
			t.violations.Add(1)
			t.logger.Warn("discarding malformed line", "line", line, "error", perr)
			continue
		}
		frame.At = time.Now()
		t.route(sess, frame)
	}
}

// readLine returns the next newline-terminated line without its terminator.
// Lines longer than maxLineLength are consumed and reported as oversized.
func readLine(r *bufio.Reader) (string, bool, error) {
	var buf []byte
	oversized := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !oversized {
			if len(buf)+len(chunk) > maxLineLength {
				oversized = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		return strings.TrimRight(string(buf), "\r\n"), oversized, nil
	}
}

func (t *LineTransport) route(sess *lineSession, f Frame) {
	switch f.Kind {
	case FrameBroadcast:
		t.eventsRx.Add(1)
		select {
		case t.events <- f:
		default:
			t.eventsDropped.Add(1)
			t.logger.Warn("event queue full, dropping broadcast", "name", f.Name)
		}
	case FrameControl:
		t.logger.Debug("ignoring command echo", "line", f.Raw)
	default:
		if !sess.deliver(f) {
			t.logger.Debug("discarding reply with no matching request", "line", f.Raw)
		}
	}
}

// do issues one command and waits for its reply. want is the number of
// query lines expected; 0 means the reply is OK or #Error.
func (t *LineTransport) do(ctx context.Context, cmd string, want int) ([]Frame, error) {
	if err := validateCommand(cmd); err != nil {
		return nil, err
	}
	if t.closed.IsClosed() {
		return nil, ErrClosed
	}

	select {
	case t.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctxError(cmd, ctx)
	case <-t.closed.Done():
		return nil, ErrClosed
	}
	defer func() { <-t.slot }()

	sess := t.currentSession()
	if sess == nil {
		return nil, ErrNotConnected
	}

	p := newPendingRequest(cmd, want)
	sess.setPending(p)
	defer sess.clearPending(p)

	if err := t.writeLine(ctx, sess.conn, cmd); err != nil {
		t.errorsTotal.Add(1)
		nerr := &NetworkError{Op: "write " + cmd, Err: err}
		sess.fail(nerr)
		return nil, nerr
	}
	t.requests.Add(1)
	t.touch()

	var quiet *time.Timer
	var quietC <-chan time.Time
	defer func() {
		if quiet != nil {
			quiet.Stop()
		}
	}()

	for {
		select {
		case err := <-p.done:
			if err != nil {
				t.errorsTotal.Add(1)
			}
			return p.lines, err
		case <-p.progress:
			if quiet == nil {
				quiet = time.NewTimer(t.cfg.QueryQuietPeriod)
			} else {
				quiet.Reset(t.cfg.QueryQuietPeriod)
			}
			quietC = quiet.C
		case <-quietC:
			return sess.finishEarly(p), nil
		case <-sess.done.Done():
			t.errorsTotal.Add(1)
			return nil, sess.error()
		case <-ctx.Done():
			t.errorsTotal.Add(1)
			return nil, ctxError(cmd, ctx)
		case <-t.closed.Done():
			return nil, ErrClosed
		}
	}
}

func ctxError(cmd string, ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, cmd)
	}
	return ctx.Err()
}

// Command sends a control command and waits for OK.
func (t *LineTransport) Command(ctx context.Context, cmd string) error {
	_, err := t.do(ctx, cmd, 0)
	return err
}

// Query sends a query command and returns its single reply frame.
func (t *LineTransport) Query(ctx context.Context, cmd string) (Frame, error) {
	frames, err := t.do(ctx, cmd, 1)
	if err != nil {
		return Frame{}, err
	}
	return frames[0], nil
}

// DeviceCounts issues ?Devices.
func (t *LineTransport) DeviceCounts(ctx context.Context) (tx, rx int, err error) {
	f, err := t.Query(ctx, cmdDevices)
	if err != nil {
		return 0, 0, err
	}
	return parseDeviceCounts(f.Value)
}

// Routing issues ?Receivers.
func (t *LineTransport) Routing(ctx context.Context) ([]Assignment, error) {
	f, err := t.Query(ctx, cmdReceivers)
	if err != nil {
		return nil, err
	}
	return parseAssignments(f.Value)
}

// Names issues ?Name for kind and collects up to expected reply lines.
// Lines that fail to parse are skipped.
func (t *LineTransport) Names(ctx context.Context, kind Kind, expected int) (map[int]string, error) {
	names := make(map[int]string)
	if expected <= 0 {
		return names, nil
	}
	frames, err := t.do(ctx, nameQuery(kind), expected)
	if err != nil {
		return nil, err
	}
	for _, f := range frames {
		k, index, name, perr := parseNameLine(f.Value)
		if perr != nil || k != kind {
			t.violations.Add(1)
			t.logger.Warn("skipping malformed name reply", "line", f.Raw)
			continue
		}
		names[index] = name
	}
	return names, nil
}

// Switch issues !Switch=TX,RX. TX 0 unassigns the receiver. It returns the
// time the controller's OK arrived, on the same clock as broadcast frames.
func (t *LineTransport) Switch(ctx context.Context, tx, rx int) (time.Time, error) {
	frames, err := t.do(ctx, switchCommand(tx, rx), 0)
	if err != nil {
		return time.Time{}, err
	}
	if len(frames) == 0 {
		return time.Now(), nil
	}
	return frames[0].At, nil
}

// Raw sends cmd verbatim and returns the reply lines: the single matching
// reply for a query, or "OK" for a control command.
func (t *LineTransport) Raw(ctx context.Context, cmd string) ([]string, error) {
	if err := validateCommand(cmd); err != nil {
		return nil, err
	}
	if cmd[0] == '!' {
		if err := t.Command(ctx, cmd); err != nil {
			return nil, err
		}
		return []string{"OK"}, nil
	}
	f, err := t.Query(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return []string{f.Raw}, nil
}

// Ping implements Transport with a ?Devices round trip.
func (t *LineTransport) Ping(ctx context.Context) error {
	_, _, err := t.DeviceCounts(ctx)
	return err
}

// Done implements Transport. The channel closes when the current session
// ends; with no session it is already closed.
func (t *LineTransport) Done() <-chan struct{} {
	if sess := t.currentSession(); sess != nil {
		return sess.done.Done()
	}
	return closedChan
}

// Drop tears down the current session, if any.
func (t *LineTransport) Drop(reason error) {
	t.mu.Lock()
	sess := t.session
	t.session = nil
	dialed := t.dialed
	t.dialed = nil
	t.mu.Unlock()

	if dialed != nil {
		dialed.Close()
	}
	if sess != nil {
		sess.fail(&NetworkError{Op: "drop", Err: reason})
	}
}

// Close ends the session and stops the reader. Safe to call multiple times.
func (t *LineTransport) Close() error {
	t.closed.Close()
	t.Drop(ErrClosed)
	t.wg.Wait()
	return nil
}

// IsConnected reports whether an authenticated session is live.
func (t *LineTransport) IsConnected() bool {
	sess := t.currentSession()
	return sess != nil && !sess.done.IsClosed()
}

// Stats returns current operational statistics.
func (t *LineTransport) Stats() LineStats {
	var last time.Time
	if ts := t.lastActivity.Load(); ts != 0 {
		last = time.Unix(0, ts)
	}
	return LineStats{
		Requests:      t.requests.Load(),
		Errors:        t.errorsTotal.Load(),
		Violations:    t.violations.Load(),
		EventsRx:      t.eventsRx.Load(),
		EventsDropped: t.eventsDropped.Load(),
		Sessions:      t.sessions.Load(),
		LastActivity:  last,
		Connected:     t.IsConnected(),
	}
}

func (t *LineTransport) currentSession() *lineSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.session
}

func (t *LineTransport) touch() {
	t.lastActivity.Store(time.Now().UnixNano())
}

// lineSession is one authenticated connection and its request slot state.
type lineSession struct {
	conn net.Conn
	done *closeOnce

	mu      sync.Mutex
	err     error
	pending *pendingRequest
}

func newLineSession(conn net.Conn) *lineSession {
	return &lineSession{conn: conn, done: newCloseOnce()}
}

func (s *lineSession) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.conn.Close()
	s.done.Close()
}

func (s *lineSession) error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return ErrNotConnected
	}
	return s.err
}

func (s *lineSession) setPending(p *pendingRequest) {
	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()
}

func (s *lineSession) clearPending(p *pendingRequest) {
	s.mu.Lock()
	if s.pending == p {
		s.pending = nil
	}
	s.mu.Unlock()
}

// deliver hands a reply frame to the pending request. It returns false when
// nothing was waiting for it, such as a late reply after a timeout.
func (s *lineSession) deliver(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pending
	if p == nil || p.finished {
		return false
	}

	switch f.Kind {
	case FrameError:
		p.finish(&CommandRejected{Command: p.cmd, Text: f.Value})
		return true
	case FrameOK:
		if p.want == 0 {
			p.lines = append(p.lines, f)
			p.finish(nil)
			return true
		}
	case FrameQuery:
		if p.want == 0 || f.Name != p.name {
			return false
		}
		p.lines = append(p.lines, f)
		if len(p.lines) >= p.want {
			p.finish(nil)
		} else {
			select {
			case p.progress <- struct{}{}:
			default:
			}
		}
		return true
	}
	return false
}

// finishEarly completes a multi-line query after its quiet period.
func (s *lineSession) finishEarly(p *pendingRequest) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.finished = true
	return p.lines
}

type pendingRequest struct {
	cmd      string
	name     string
	want     int
	lines    []Frame
	finished bool
	progress chan struct{}
	done     chan error
}

func newPendingRequest(cmd string, want int) *pendingRequest {
	return &pendingRequest{
		cmd:      cmd,
		name:     queryName(cmd),
		want:     want,
		progress: make(chan struct{}, 1),
		done:     make(chan error, 1),
	}
}

// finish must be called with the session lock held.
func (p *pendingRequest) finish(err error) {
	p.finished = true
	p.done <- err
}
