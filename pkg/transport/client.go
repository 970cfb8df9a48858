package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/daviddao/verdant/pkg/auth"
	"github.com/daviddao/verdant/pkg/protocol"
)

// ErrNotConnected is returned by Send while a transport has no session.
var ErrNotConnected = errors.New("transport not connected")

// Transport is a client's session with one library.
type Transport interface {
	// Send rewrites "self" subjects and delivers m.
	Send(m protocol.Message) error
	// Connected reports whether a session is live.
	Connected() bool
	// Close stops the transport. Handlers are not called afterwards.
	Close()
}

// Handlers receives transport events. Every field is optional.
type Handlers struct {
	// Message is called for each message from the server, in order.
	Message func(protocol.Message)
	// Connect is called each time a session opens. The client sends its
	// sync from here.
	Connect func()
	// Disconnect is called when a live session ends.
	Disconnect func(err error)
}

func (h Handlers) message(m protocol.Message) {
	if h.Message != nil {
		h.Message(m)
	}
}

func (h Handlers) connect() {
	if h.Connect != nil {
		h.Connect()
	}
}

func (h Handlers) disconnect(err error) {
	if h.Disconnect != nil {
		h.Disconnect(err)
	}
}

// ClientSettings configures client transports.
type ClientSettings struct {
	// Endpoint is the server base URL, for example http://localhost:8080.
	Endpoint string
	// Token is a library access token.
	Token string

	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	HeartbeatTimeout time.Duration
	PullInterval     time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// DefaultClientSettings returns settings for endpoint and token.
func DefaultClientSettings(endpoint, token string) *ClientSettings {
	return &ClientSettings{
		Endpoint:         endpoint,
		Token:            token,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		HeartbeatTimeout: 15 * time.Second,
		PullInterval:     5 * time.Second,
		ReconnectInitial: 500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
		HTTPClient:       http.DefaultClient,
		Dialer:           websocket.DefaultDialer,
	}
}

// session holds what both transports derive from the token.
type session struct {
	settings *ClientSettings
	library  string
	userID   string
}

func newSession(settings *ClientSettings) (*session, error) {
	tok, err := auth.ParseUnverified(settings.Token)
	if err != nil {
		return nil, err
	}
	if settings.Endpoint == "" {
		settings.Endpoint = tok.SyncEndpoint
	}
	if settings.Endpoint == "" {
		return nil, fmt.Errorf("transport: no sync endpoint")
	}
	return &session{settings: settings, library: tok.LibraryID, userID: tok.UserID}, nil
}

func (s *session) endpoint(path string, websocketScheme bool) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(s.settings.Endpoint, "/"))
	if err != nil {
		return "", err
	}
	if websocketScheme {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		case "http":
			u.Scheme = "ws"
		}
	}
	u.Path += "/libraries/" + url.PathEscape(s.library) + "/" + path
	return u.String(), nil
}

func (s *session) encode(m protocol.Message) ([]byte, error) {
	return protocol.Encode(protocol.RewriteSelf(m, s.userID))
}

func (s *session) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.settings.ReconnectInitial
	b.MaxInterval = s.settings.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// WebSocketTransport is a realtime transport. It holds one socket open and
// reconnects with exponential backoff until closed.
type WebSocketTransport struct {
	*session
	handlers Handlers

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	send chan []byte
	done chan struct{}
}

// NewWebSocketTransport starts a realtime transport.
func NewWebSocketTransport(ctx context.Context, settings *ClientSettings, handlers Handlers) (*WebSocketTransport, error) {
	s, err := newSession(settings)
	if err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	t := &WebSocketTransport{
		session:  s,
		handlers: handlers,
		ctx:      cancelCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go t.run()
	return t, nil
}

func (t *WebSocketTransport) dial() (*websocket.Conn, error) {
	u, err := t.endpoint("socket", true)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.settings.Token)
	ws, resp, err := t.settings.Dialer.DialContext(t.ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", u, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return ws, nil
}

func (t *WebSocketTransport) run() {
	defer close(t.done)
	b := t.newBackOff()
	for {
		ws, err := t.dial()
		if err != nil {
			glog.Infof("[t]%s connect error = %v", t.library, err)
		} else {
			b.Reset()
			err = t.serve(ws)
			t.handlers.disconnect(err)
		}
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(b.NextBackOff()):
		}
	}
}

// serve runs one socket session until it fails or the transport closes.
func (t *WebSocketTransport) serve(ws *websocket.Conn) error {
	defer ws.Close()
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()

	send := make(chan []byte, 256)
	t.mu.Lock()
	t.send = send
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.send = nil
		t.mu.Unlock()
	}()

	errs := make(chan error, 2)
	go func() {
		heartbeat := time.NewTicker(t.settings.HeartbeatTimeout)
		defer heartbeat.Stop()
		for {
			var data []byte
			select {
			case <-ctx.Done():
				ws.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				errs <- ctx.Err()
				return
			case data = <-send:
			case <-heartbeat.C:
				data, _ = protocol.Encode(protocol.Heartbeat{})
			}
			ws.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				errs <- err
				return
			}
		}
	}()
	go func() {
		for {
			ws.SetReadDeadline(time.Now().Add(t.settings.ReadTimeout))
			_, data, err := ws.ReadMessage()
			if err != nil {
				errs <- err
				return
			}
			m, err := protocol.Decode(data)
			if err != nil {
				glog.Warningf("[t]%s dropped message: %v", t.library, err)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			t.handlers.message(m)
		}
	}()

	glog.V(2).Infof("[t]%s connected", t.library)
	t.handlers.connect()
	err := <-errs
	cancel()
	ws.Close()
	glog.V(2).Infof("[t]%s disconnected: %v", t.library, err)
	return err
}

// Send queues m on the live socket.
func (t *WebSocketTransport) Send(m protocol.Message) error {
	data, err := t.encode(m)
	if err != nil {
		return err
	}
	t.mu.Lock()
	send := t.send
	t.mu.Unlock()
	if send == nil {
		return ErrNotConnected
	}
	select {
	case send <- data:
		return nil
	case <-t.ctx.Done():
		return ErrNotConnected
	}
}

// Connected reports whether a socket is open.
func (t *WebSocketTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.send != nil
}

// Close stops the transport and waits for its loop to exit.
func (t *WebSocketTransport) Close() {
	t.cancel()
	<-t.done
}

// PullTransport is a push/pull transport over HTTP. Every Send is one
// request; replies are delivered to the message handler. Connect fires at
// start and then every PullInterval so the client can poll with a sync.
type PullTransport struct {
	*session
	handlers Handlers

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	sendMu sync.Mutex
	mu     sync.Mutex
	ok     bool
}

// NewPullTransport starts a pull transport.
func NewPullTransport(ctx context.Context, settings *ClientSettings, handlers Handlers) (*PullTransport, error) {
	s, err := newSession(settings)
	if err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	t := &PullTransport{
		session:  s,
		handlers: handlers,
		ctx:      cancelCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		ok:       true,
	}
	go t.run()
	return t, nil
}

func (t *PullTransport) run() {
	defer close(t.done)
	tick := time.NewTicker(t.settings.PullInterval)
	defer tick.Stop()
	t.handlers.connect()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-tick.C:
			t.handlers.connect()
		}
	}
}

// Send posts m and delivers the server's replies.
func (t *PullTransport) Send(m protocol.Message) error {
	if t.ctx.Err() != nil {
		return ErrNotConnected
	}
	data, err := t.encode(m)
	if err != nil {
		return err
	}
	t.sendMu.Lock()
	replies, err := t.post(append(append([]byte{'['}, data...), ']'))
	t.sendMu.Unlock()
	t.setOK(err == nil)
	if err != nil {
		return err
	}
	// Handlers may Send in response, so replies are dispatched unlocked.
	for _, r := range replies {
		if t.ctx.Err() != nil {
			break
		}
		t.handlers.message(r)
	}
	return nil
}

func (t *PullTransport) post(body []byte) ([]protocol.Message, error) {
	u, err := t.endpoint("sync", false)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+t.settings.Token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.settings.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sync %s: %s: %s", t.library, resp.Status, strings.TrimSpace(string(data)))
	}
	return protocol.DecodeAll(data)
}

func (t *PullTransport) setOK(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ok = ok
}

// Connected reports whether the last request succeeded.
func (t *PullTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ok && t.ctx.Err() == nil
}

// Close stops polling.
func (t *PullTransport) Close() {
	t.cancel()
	<-t.done
}
