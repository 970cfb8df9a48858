// Package transport carries sync messages between clients and libraries.
//
// The server side exposes one realtime WebSocket endpoint and one HTTP
// push/pull endpoint per library. The client side provides matching
// transports that reconnect on failure.
package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/daviddao/verdant/pkg/auth"
	"github.com/daviddao/verdant/pkg/library"
	"github.com/daviddao/verdant/pkg/model"
	"github.com/daviddao/verdant/pkg/protocol"
)

// ServerSettings tunes the server endpoints.
type ServerSettings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	// SendBufferSize bounds queued outgoing messages per connection. A
	// connection that falls this far behind is closed.
	SendBufferSize int
	// MaxBodyBytes bounds HTTP sync request bodies.
	MaxBodyBytes int64
}

// DefaultServerSettings returns the settings used when none are given.
func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   20 * time.Second,
		SendBufferSize: 256,
		MaxBodyBytes:   32 << 20,
	}
}

// Server serves the sync endpoints for every library in a registry.
type Server struct {
	registry *library.Registry
	signer   *auth.Signer
	settings *ServerSettings
	upgrader websocket.Upgrader
}

// NewServer returns a server. A nil settings uses DefaultServerSettings.
func NewServer(registry *library.Registry, signer *auth.Signer, settings *ServerSettings) *Server {
	if settings == nil {
		settings = DefaultServerSettings()
	}
	return &Server{
		registry: registry,
		signer:   signer,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/libraries/{library}/socket", s.handleSocket).Methods(http.MethodGet)
	r.HandleFunc("/libraries/{library}/sync", s.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok\n")
	}).Methods(http.MethodGet)
	return r
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// authenticate verifies the request token and that it grants access to
// the routed library.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Token, string, bool) {
	lib := mux.Vars(r)["library"]
	tok, err := s.signer.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, "", false
	}
	if tok.LibraryID != lib {
		http.Error(w, "token does not grant this library", http.StatusForbidden)
		return nil, "", false
	}
	return tok, lib, true
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	tok, lib, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[ws]%s upgrade: %v", lib, err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := &socketConn{send: make(chan []byte, s.settings.SendBufferSize), cancel: cancel}
	session := library.NewSession(tok.UserID, tok.Type, conn)
	l := s.registry.Get(lib)
	l.Connect(session)
	defer l.Disconnect(session)

	go s.writePump(ctx, ws, conn)
	s.readPump(ctx, ws, conn, l, session)
}

func (s *Server) readPump(ctx context.Context, ws *websocket.Conn, conn *socketConn, l *library.Library, session *library.Session) {
	defer ws.Close()
	ws.SetReadLimit(s.settings.MaxBodyBytes)
	ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
		return nil
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Infof("[ws]%s read error = %v", l.ID(), err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
		if ctx.Err() != nil {
			return
		}
		m, err := protocol.Decode(data)
		if err != nil {
			glog.Warningf("[ws]%s dropped message from %s: %v", l.ID(), session.UserID, err)
			conn.Send(protocol.Forbidden{Reason: err.Error()})
			continue
		}
		if err := l.Handle(ctx, session, m); err != nil {
			logHandleError(l.ID(), session, m, err)
		}
	}
}

func (s *Server) writePump(ctx context.Context, ws *websocket.Conn, conn *socketConn) {
	ping := time.NewTicker(s.settings.PingInterval)
	defer func() {
		ping.Stop()
		ws.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			ws.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-conn.send:
			ws.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				glog.Infof("[ws]write error = %v", err)
				conn.cancel()
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.cancel()
				return
			}
		}
	}
}

func logHandleError(lib string, session *library.Session, m protocol.Message, err error) {
	switch {
	case errors.Is(err, model.ErrForbidden), errors.Is(err, model.ErrProtocolViolation):
		glog.Warningf("[lib]%s rejected %s from %s: %v", lib, m.MessageType(), session.UserID, err)
	default:
		glog.Infof("[lib]%s handle %s from %s: %v", lib, m.MessageType(), session.UserID, err)
	}
}

// socketConn queues encoded messages for a connection's write pump.
type socketConn struct {
	send   chan []byte
	cancel context.CancelFunc
}

var errSlowConsumer = errors.New("connection send buffer full")

func (c *socketConn) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.cancel()
		return errSlowConsumer
	}
}

// collector gathers the replies to one HTTP sync request.
type collector struct {
	msgs []protocol.Message
}

func (c *collector) Send(m protocol.Message) error {
	c.msgs = append(c.msgs, m)
	return nil
}

// handleSync serves push/pull clients. The body is a JSON array of client
// messages; the response is a JSON array of every reply. Pull sessions are
// never connected, so they receive no broadcasts.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	tok, lib, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, s.settings.MaxBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msgs, err := protocol.DecodeAll(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out := &collector{}
	session := library.NewSession(tok.UserID, tok.Type, out)
	l := s.registry.Get(lib)
	for _, m := range msgs {
		if err := l.Handle(r.Context(), session, m); err != nil {
			logHandleError(lib, session, m, err)
		}
	}
	data, err := protocol.EncodeAll(out.msgs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
