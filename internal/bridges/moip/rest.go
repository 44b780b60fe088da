package moip

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultRequestTimeout = 10 * time.Second

	// groupFetchConcurrency bounds parallel group/unit detail requests.
	groupFetchConcurrency = 4

	// maxResponseSize caps response bodies; preview JPEGs are the largest.
	maxResponseSize = 16 << 20

	// maxErrorText caps the body text carried in CommandRejected.
	maxErrorText = 512

	mimeJSON = "application/json"
	mimeJPEG = "image/jpeg"

	defaultStreamPingInterval = 30 * time.Second
	defaultStreamPongTimeout  = 10 * time.Second
)

// RestConfig holds management-plane client tuning.
type RestConfig struct {
	// RequestTimeout bounds a single HTTP exchange. Default: 10 seconds.
	RequestTimeout time.Duration

	// TokenMargin refreshes the bearer token this long before expiry.
	// Default: 60 seconds.
	TokenMargin time.Duration

	// EventStreamPath is the WebSocket path, relative to the API base, of
	// the change-event stream. Empty disables the stream.
	EventStreamPath string

	// StreamPingInterval is how often the event stream is pinged.
	// Default: 30 seconds.
	StreamPingInterval time.Duration

	// StreamPongTimeout is how long past a ping interval the stream may stay
	// silent before it is considered lost. Default: 10 seconds.
	StreamPongTimeout time.Duration
}

// RestStats holds management-plane operational statistics.
type RestStats struct {
	Requests      uint64 `json:"requests"`
	Errors        uint64 `json:"errors"`
	Logins        uint64 `json:"logins"`
	EventsRx      uint64 `json:"events_rx"`
	EventsDropped uint64 `json:"events_dropped"`
	Sessions      uint64 `json:"sessions"`
	Connected     bool   `json:"connected"`
}

// RestClient is the typed client for the controller's HTTPS management API.
// It also acts as the REST transport driven by the supervisor.
type RestClient struct {
	cfg    RestConfig
	logger Logger
	tokens *TokenManager

	mu       sync.RWMutex
	settings Settings
	baseURL  string
	http     *http.Client
	tlsConf  *tls.Config

	// Event stream state, see reststream.go.
	events  chan RestEvent
	session *restSession

	requests      atomic.Uint64
	errorsTotal   atomic.Uint64
	eventsRx      atomic.Uint64
	eventsDropped atomic.Uint64
	sessions      atomic.Uint64

	closed *closeOnce
	wg     sync.WaitGroup
}

// NewRestClient creates an unconfigured client. Configure must be called
// before any request.
func NewRestClient(cfg RestConfig, logger Logger) *RestClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.StreamPingInterval <= 0 {
		cfg.StreamPingInterval = defaultStreamPingInterval
	}
	if cfg.StreamPongTimeout <= 0 {
		cfg.StreamPongTimeout = defaultStreamPongTimeout
	}
	c := &RestClient{
		cfg:    cfg,
		logger: loggerOrNop(logger),
		events: make(chan RestEvent, eventQueueSize),
		closed: newCloseOnce(),
	}
	c.tokens = NewTokenManager(c.loginExchange, cfg.TokenMargin, logger)
	return c
}

// Tokens returns the client's token manager.
func (c *RestClient) Tokens() *TokenManager {
	return c.tokens
}

// Configure applies controller settings. The cached token is discarded when
// the host, port or credentials change.
func (c *RestClient) Configure(s Settings) error {
	tlsConf, err := buildTLSConfig(s)
	if err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.settings
	changed := c.http == nil || prev.Host != s.Host || prev.APIPort != s.APIPort ||
		prev.API != s.API || prev.VerifyTLS != s.VerifyTLS || prev.CAFile != s.CAFile
	if changed {
		if c.http != nil {
			c.http.CloseIdleConnections()
		}
		c.settings = s
		c.baseURL = s.APIBaseURL()
		c.tlsConf = tlsConf
		c.http = &http.Client{
			Timeout: c.cfg.RequestTimeout,
			Transport: &http.Transport{
				TLSClientConfig:     tlsConf,
				MaxIdleConnsPerHost: groupFetchConcurrency,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: c.cfg.RequestTimeout,
			},
		}
	}
	c.mu.Unlock()

	if changed {
		c.tokens.Invalidate()
		if !s.VerifyTLS {
			c.logger.Warn("controller TLS certificate verification disabled", "host", s.Host)
		}
	}
	return nil
}

func buildTLSConfig(s Settings) (*tls.Config, error) {
	conf := &tls.Config{MinVersion: tls.VersionTLS12}
	if !s.VerifyTLS {
		// The controller ships a self-signed certificate.
		conf.InsecureSkipVerify = true //nolint:gosec // explicit operator setting, logged on Configure
	}
	if s.CAFile != "" {
		pem, err := os.ReadFile(s.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading controller CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrInvalidArgument, s.CAFile)
		}
		conf.RootCAs = pool
	}
	return conf, nil
}

func (c *RestClient) client() (*http.Client, string, Credentials, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.http == nil {
		return nil, "", Credentials{}, ErrNotConfigured
	}
	return c.http, c.baseURL, c.settings.API, nil
}

// loginExchange performs POST /base/auth/login.
func (c *RestClient) loginExchange(ctx context.Context) (string, time.Duration, error) {
	_, _, creds, err := c.client()
	if err != nil {
		return "", 0, err
	}
	if creds.Username == "" {
		return "", 0, &AuthError{Transport: "rest", Reason: "no API credentials configured"}
	}

	body := map[string]string{"username": creds.Username, "password": creds.Password}
	status, data, err := c.send(ctx, http.MethodPost, "/base/auth/login", "", mimeJSON, body)
	if err != nil {
		return "", 0, err
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "", 0, &AuthError{Transport: "rest", Reason: "credentials rejected"}
	case status/100 != 2:
		return "", 0, &CommandRejected{Command: "login", Status: status, Text: errorText(data)}
	}

	var resp struct {
		AccessToken string  `json:"accessToken"`
		ExpiresIn   float64 `json:"expiresIn"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", 0, &ProtocolViolation{Line: errorText(data), Reason: "undecodable login response"}
	}
	if resp.AccessToken == "" {
		return "", 0, &AuthError{Transport: "rest", Reason: "login response carried no token"}
	}
	return resp.AccessToken, time.Duration(resp.ExpiresIn * float64(time.Second)), nil
}

// send performs one HTTP exchange asking for the accept media type. token
// may be empty.
func (c *RestClient) send(ctx context.Context, method, path, token, accept string, body any) (int, []byte, error) {
	hc, base, _, err := c.client()
	if err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding %s body: %w", path, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", mimeJSON)
	}
	req.Header.Set("Accept", accept)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.requests.Add(1)
	resp, err := hc.Do(req)
	if err != nil {
		c.errorsTotal.Add(1)
		if ctx.Err() != nil {
			return 0, nil, ctxError(method+" "+path, ctx)
		}
		return 0, nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.errorsTotal.Add(1)
		return 0, nil, &NetworkError{Op: "reading " + path, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		c.errorsTotal.Add(1)
	}
	return resp.StatusCode, data, nil
}

// do performs an authenticated request. A 401 discards the token and retries
// once with a fresh login.
func (c *RestClient) do(ctx context.Context, method, path, accept string, body any) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.EnsureValid(ctx)
		if err != nil {
			return nil, err
		}
		status, data, err := c.send(ctx, method, path, token, accept, body)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			c.tokens.Invalidate()
			if attempt == 0 {
				continue
			}
			return nil, &AuthError{Transport: "rest", Reason: "token rejected by controller"}
		}
		if status/100 != 2 {
			return nil, &CommandRejected{Command: method + " " + path, Status: status, Text: errorText(data)}
		}
		return data, nil
	}
}

func (c *RestClient) getJSON(ctx context.Context, path string, out any) error {
	data, err := c.do(ctx, http.MethodGet, path, mimeJSON, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ProtocolViolation{Line: errorText(data), Reason: "undecodable " + path + " response"}
	}
	return nil
}

func (c *RestClient) putJSON(ctx context.Context, path string, body, out any) error {
	data, err := c.do(ctx, http.MethodPut, path, mimeJSON, body)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ProtocolViolation{Line: errorText(data), Reason: "undecodable " + path + " response"}
	}
	return nil
}

func errorText(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > maxErrorText {
		s = s[:maxErrorText]
	}
	return s
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// Associations maps association names (unit, video_tx, audio_rx, ...) to
// REST resource ids. Null or non-numeric associations are omitted.
type Associations map[string]int

func (a *Associations) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Associations, len(raw))
	for name, v := range raw {
		var id int
		if err := json.Unmarshal(v, &id); err == nil && id != 0 {
			out[name] = id
		}
	}
	*a = out
	return nil
}

// ID returns the association named name.
func (a Associations) ID(name string) (int, bool) {
	id, ok := a[name]
	return id, ok
}

// Group is a group_tx or group_rx resource. Its settings index is the
// line-protocol index of the device.
type Group struct {
	ID       int `json:"id"`
	Settings struct {
		Index *int   `json:"index"`
		Name  string `json:"name"`
		Type  string `json:"type"`
	} `json:"settings"`
	Associations Associations `json:"associations"`
}

// Unit is a physical endpoint resource.
type Unit struct {
	ID       int `json:"id"`
	Settings struct {
		Name string `json:"name"`
	} `json:"settings"`
	Status UnitStatus `json:"status"`
}

// UnitStatus is the live part of a unit resource.
type UnitStatus struct {
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	Model    string `json:"model"`
	Firmware string `json:"firmware"`
}

// Online reports whether the unit has a usable address.
func (s UnitStatus) Online() bool {
	return s.IP != "" && s.IP != "0.0.0.0"
}

// VideoTxStats is the signal status of a transmitter's video encoder.
type VideoTxStats struct {
	TX          int    `json:"tx"`
	Resolution  string `json:"resolution,omitempty"`
	FrameRate   string `json:"frame_rate,omitempty"`
	ColorDepth  string `json:"color_depth,omitempty"`
	HDCP        bool   `json:"hdcp"`
	HDCPVersion string `json:"hdcp_version,omitempty"`
	SignalType  string `json:"signal_type,omitempty"`
	State       string `json:"state,omitempty"`
	HasSignal   bool   `json:"has_signal"`
}

type videoTxResource struct {
	ID     int `json:"id"`
	Status struct {
		Resolution flexString `json:"resolution"`
		FrameRate  flexString `json:"frame_rate"`
		ColorDepth flexString `json:"color_depth"`
		HDCP       flexString `json:"hdcp"`
		SignalType flexString `json:"signal_type"`
		State      flexString `json:"state"`
	} `json:"status"`
}

func (r videoTxResource) stats(tx int) VideoTxStats {
	st := r.Status
	hdcp := string(st.HDCP)
	return VideoTxStats{
		TX:          tx,
		Resolution:  string(st.Resolution),
		FrameRate:   string(st.FrameRate),
		ColorDepth:  string(st.ColorDepth),
		HDCP:        hdcp != "" && !strings.EqualFold(hdcp, "none"),
		HDCPVersion: hdcp,
		SignalType:  string(st.SignalType),
		State:       string(st.State),
		HasSignal:   strings.EqualFold(string(st.State), "streaming"),
	}
}

// AudioTxStats is the status of a transmitter's audio encoder.
type AudioTxStats struct {
	TX         int    `json:"tx"`
	Format     string `json:"format,omitempty"`
	SampleRate string `json:"sample_rate,omitempty"`
	Channels   string `json:"channels,omitempty"`
	Source     string `json:"source,omitempty"`
	State      string `json:"state,omitempty"`
	HasSignal  bool   `json:"has_signal"`
}

type audioTxResource struct {
	ID     int `json:"id"`
	Status struct {
		Format     flexString `json:"format"`
		SampleRate flexString `json:"sample_rate"`
		Channels   flexString `json:"channels"`
		Source     flexString `json:"source"`
		State      flexString `json:"state"`
	} `json:"status"`
}

func (r audioTxResource) stats(tx int) AudioTxStats {
	st := r.Status
	return AudioTxStats{
		TX:         tx,
		Format:     string(st.Format),
		SampleRate: string(st.SampleRate),
		Channels:   string(st.Channels),
		Source:     string(st.Source),
		State:      string(st.State),
		HasSignal:  strings.EqualFold(string(st.State), "streaming"),
	}
}

// VideoRxSettings is the output configuration of a receiver's decoder.
type VideoRxSettings struct {
	RX                   int      `json:"rx"`
	Resolution           string   `json:"resolution,omitempty"`
	SupportedResolutions []string `json:"supported_resolutions"`
	HDCP                 string   `json:"hdcp,omitempty"`
	SupportedHDCP        []string `json:"supported_hdcp"`
	State                string   `json:"state,omitempty"`
}

type videoRxResource struct {
	ID       int `json:"id"`
	Settings struct {
		Resolution          flexString `json:"resolution"`
		SupportedResolution []string   `json:"supported_resolution"`
		HDCP                flexString `json:"hdcp"`
		SupportedHDCP       []string   `json:"supported_hdcp"`
	} `json:"settings"`
	Status struct {
		State flexString `json:"state"`
	} `json:"status"`
}

func (r videoRxResource) settings(rx int) VideoRxSettings {
	s := VideoRxSettings{
		RX:                   rx,
		Resolution:           string(r.Settings.Resolution),
		SupportedResolutions: r.Settings.SupportedResolution,
		HDCP:                 string(r.Settings.HDCP),
		SupportedHDCP:        r.Settings.SupportedHDCP,
		State:                string(r.Status.State),
	}
	if s.SupportedResolutions == nil {
		s.SupportedResolutions = []string{}
	}
	if s.SupportedHDCP == nil {
		s.SupportedHDCP = []string{}
	}
	return s
}

func groupPath(kind Kind) string {
	return "/moip/group_" + string(kind)
}

type itemList struct {
	Items []int `json:"items"`
}

// ListGroups fetches every group of kind with its details. Any failed
// detail request fails the whole listing.
func (c *RestClient) ListGroups(ctx context.Context, kind Kind) ([]Group, error) {
	var ids itemList
	if err := c.getJSON(ctx, groupPath(kind), &ids); err != nil {
		return nil, err
	}

	groups := make([]Group, len(ids.Items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(groupFetchConcurrency)
	for i, id := range ids.Items {
		g.Go(func() error {
			return c.getJSON(gctx, groupPath(kind)+"/"+strconv.Itoa(id), &groups[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

// ListUnits fetches every unit with its status.
func (c *RestClient) ListUnits(ctx context.Context) ([]Unit, error) {
	var ids itemList
	if err := c.getJSON(ctx, "/moip/unit", &ids); err != nil {
		return nil, err
	}

	units := make([]Unit, len(ids.Items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(groupFetchConcurrency)
	for i, id := range ids.Items {
		g.Go(func() error {
			return c.getJSON(gctx, "/moip/unit/"+strconv.Itoa(id), &units[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return units, nil
}

// Unit fetches one unit.
func (c *RestClient) Unit(ctx context.Context, id int) (Unit, error) {
	var u Unit
	err := c.getJSON(ctx, "/moip/unit/"+strconv.Itoa(id), &u)
	return u, err
}

type nameSettings struct {
	Settings struct {
		Name string `json:"name"`
	} `json:"settings"`
}

func nameBody(name string) nameSettings {
	var b nameSettings
	b.Settings.Name = name
	return b
}

// SetGroupName renames a group; this is the name ?Name reports.
func (c *RestClient) SetGroupName(ctx context.Context, kind Kind, id int, name string) error {
	return c.putJSON(ctx, groupPath(kind)+"/"+strconv.Itoa(id), nameBody(name), nil)
}

// SetUnitName renames a unit.
func (c *RestClient) SetUnitName(ctx context.Context, id int, name string) error {
	return c.putJSON(ctx, "/moip/unit/"+strconv.Itoa(id), nameBody(name), nil)
}

// VideoTx fetches the video_tx resource id and converts it to stats for tx.
func (c *RestClient) VideoTx(ctx context.Context, id, tx int) (VideoTxStats, error) {
	var r videoTxResource
	if err := c.getJSON(ctx, "/moip/video_tx/"+strconv.Itoa(id), &r); err != nil {
		return VideoTxStats{}, err
	}
	return r.stats(tx), nil
}

// VideoTxPreview fetches the JPEG thumbnail of video_tx id.
func (c *RestClient) VideoTxPreview(ctx context.Context, id int) ([]byte, error) {
	data, err := c.do(ctx, http.MethodGet, "/moip/video_tx/"+strconv.Itoa(id)+"/preview", mimeJPEG, nil)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty preview for video_tx %d", ErrNotFound, id)
	}
	return data, nil
}

// AudioTx fetches the audio_tx resource id and converts it to stats for tx.
func (c *RestClient) AudioTx(ctx context.Context, id, tx int) (AudioTxStats, error) {
	var r audioTxResource
	if err := c.getJSON(ctx, "/moip/audio_tx/"+strconv.Itoa(id), &r); err != nil {
		return AudioTxStats{}, err
	}
	return r.stats(tx), nil
}

// VideoRx fetches the video_rx resource id for rx.
func (c *RestClient) VideoRx(ctx context.Context, id, rx int) (VideoRxSettings, error) {
	var r videoRxResource
	if err := c.getJSON(ctx, "/moip/video_rx/"+strconv.Itoa(id), &r); err != nil {
		return VideoRxSettings{}, err
	}
	return r.settings(rx), nil
}

// UpdateVideoRx writes one settings field of video_rx id.
func (c *RestClient) UpdateVideoRx(ctx context.Context, id int, field, value string) error {
	body := map[string]map[string]string{"settings": {field: value}}
	return c.putJSON(ctx, "/moip/video_rx/"+strconv.Itoa(id), body, nil)
}

// InfoTopic names a read-only controller information resource.
type InfoTopic string

const (
	InfoSystem       InfoTopic = "system"
	InfoSystemStatus InfoTopic = "status"
	InfoBase         InfoTopic = "base"
	InfoStats        InfoTopic = "stats"
	InfoLAN          InfoTopic = "lan"
	InfoTime         InfoTopic = "time"
	InfoFirmware     InfoTopic = "firmware"
)

var infoPaths = map[InfoTopic]string{
	InfoSystem:       "/moip/system",
	InfoSystemStatus: "/moip/system/status",
	InfoBase:         "/base",
	InfoStats:        "/base/stats",
	InfoLAN:          "/base/lan",
	InfoTime:         "/base/time",
	InfoFirmware:     "/base/firmware",
}

// Info returns the raw JSON of a controller information resource.
func (c *RestClient) Info(ctx context.Context, topic InfoTopic) (json.RawMessage, error) {
	path, ok := infoPaths[topic]
	if !ok {
		return nil, fmt.Errorf("%w: unknown info topic %q", ErrInvalidArgument, topic)
	}
	data, err := c.do(ctx, http.MethodGet, path, mimeJSON, nil)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, &ProtocolViolation{Line: errorText(data), Reason: "invalid JSON from " + path}
	}
	return json.RawMessage(data), nil
}

// Stats returns current operational statistics.
func (c *RestClient) Stats() RestStats {
	return RestStats{
		Requests:      c.requests.Load(),
		Errors:        c.errorsTotal.Load(),
		Logins:        c.tokens.Logins(),
		EventsRx:      c.eventsRx.Load(),
		EventsDropped: c.eventsDropped.Load(),
		Sessions:      c.sessions.Load(),
		Connected:     c.IsConnected(),
	}
}
