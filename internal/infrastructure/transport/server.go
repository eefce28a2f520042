package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/portrelay/portrelay/internal/domain/port"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 64 * 1024
	sessionSendSize = 256
	shutdownTimeout = 5 * time.Second
)

// ServerOptions configures a Server
type ServerOptions struct {
	// Path is the HTTP path of the websocket endpoint
	Path string
	// StatusInterval is how often currentData is pushed to every session, 0 disables
	StatusInterval time.Duration
}

// Server exposes a ProfileManager over a websocket control plane. Every
// request is answered by a response with the same id; events, log lines and
// periodic snapshots are pushed to every session.
type Server struct {
	manager port.ProfileManager
	history port.LogHistory
	logger  port.Logger
	opts    ServerOptions

	upgrader websocket.Upgrader

	mutex    sync.Mutex
	sessions map[string]*session
}

type session struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// queue hands data to the write pump, dropping it when the session is slow
func (s *session) queue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// NewServer creates a control server. history may be nil.
func NewServer(manager port.ProfileManager, history port.LogHistory, logger port.Logger, opts ServerOptions) *Server {
	if opts.Path == "" {
		opts.Path = "/control"
	}
	return &Server{
		manager: manager,
		history: history,
		logger:  logger,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[string]*session),
	}
}

// Handler returns the HTTP handler serving the websocket endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, s.ServeWS)
	return mux
}

// Start attaches the server to the manager's events, the log feed and the
// status ticker until ctx is done
func (s *Server) Start(ctx context.Context) {
	unsubscribe := s.manager.Subscribe(func(ev model.Event) {
		s.broadcast(model.MessageTypeEvent, model.NewEventPayload(ev))
	})

	removeListener := func() {}
	if s.history != nil {
		removeListener = s.history.AddListener(func(entry model.LogEntry) {
			s.broadcast(model.MessageTypeLog, entry)
		})
	}

	go func() {
		var tick <-chan time.Time
		if s.opts.StatusInterval > 0 {
			ticker := time.NewTicker(s.opts.StatusInterval)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				unsubscribe()
				removeListener()
				s.closeSessions()
				return
			case <-tick:
				s.broadcast(model.MessageTypeCurrentData, s.manager.Snapshot())
			}
		}
	}()
}

// Serve runs the control plane on ln until ctx is done
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.Start(ctx)

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("control plane listening on ws://%s%s", ln.Addr(), s.opts.Path)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server failed: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.closeSessions()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ListenAndServe listens on addr and calls Serve
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return model.ErrListen.Wrap(err)
	}
	return s.Serve(ctx, ln)
}

// ServeWS upgrades the request and runs a session
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("control> upgrade failed: %v", err)
		return
	}

	sess := &session{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sessionSendSize),
		done: make(chan struct{}),
	}

	s.mutex.Lock()
	s.sessions[sess.id] = sess
	s.mutex.Unlock()

	s.logger.Info("control> session %s connected from %s", sess.id, r.RemoteAddr)

	go s.writePump(sess)
	s.readPump(sess)
}

func (s *Server) closeSessions() {
	s.mutex.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mutex.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

// SessionCount returns the number of connected sessions
func (s *Server) SessionCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.sessions)
}

func (s *Server) readPump(sess *session) {
	defer func() {
		s.mutex.Lock()
		delete(s.sessions, sess.id)
		s.mutex.Unlock()
		sess.close()
		s.logger.Info("control> session %s disconnected", sess.id)
	}()

	sess.conn.SetReadLimit(maxMessageSize)
	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("control> session %s read failed: %v", sess.id, err)
			}
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("control> session %s sent malformed message: %v", sess.id, err)
			continue
		}

		if msg.Type == model.MessageTypePing {
			if pong, err := model.NewMessage(model.MessageTypePong, nil); err == nil {
				s.sendTo(sess, pong)
			}
			continue
		}

		// requests may block on a service close, so each runs on its own
		go s.respond(sess, &msg)
	}
}

func (s *Server) writePump(sess *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.close()
	}()

	for {
		select {
		case <-sess.done:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			sess.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) respond(sess *session, msg *model.Message) {
	data, err := s.handle(msg)
	if err != nil {
		s.logger.Debug("control> %s failed: %v", msg.Type, err)
	}

	response, mErr := model.NewResponse(msg.ID, data, err)
	if mErr != nil {
		s.logger.Error("control> failed to build %s response: %v", msg.Type, mErr)
		return
	}
	s.sendTo(sess, response)
}

// handle runs one request against the manager
func (s *Server) handle(msg *model.Message) (interface{}, error) {
	switch msg.Type {
	case model.MessageTypeInformation:
		return model.InformationPayload{
			Version:         s.manager.Version(),
			ProtocolVersion: model.ProtocolVersion,
		}, nil

	case model.MessageTypeCurrentData:
		return s.manager.Snapshot(), nil

	case model.MessageTypeLogHistory:
		if s.history == nil {
			return []model.LogEntry{}, nil
		}
		return s.history.History(), nil

	case model.MessageTypeNotifications:
		list := s.manager.Notifications()
		if list == nil {
			list = []model.Notification{}
		}
		return list, nil

	case model.MessageTypeClearNotification:
		var payload model.SequencePayload
		if err := parsePayload(msg, &payload); err != nil {
			return nil, err
		}
		return s.manager.ClearNotification(payload.Sequence), nil

	case model.MessageTypeClearNotifications:
		s.manager.ClearNotifications()
		return nil, nil

	case model.MessageTypeCreateProfile:
		var payload model.ProfilePayload
		if err := parsePayload(msg, &payload); err != nil {
			return nil, err
		}
		return nil, s.manager.CreateProfile(payload.Name, payload.Profile)

	case model.MessageTypeUpdateProfile:
		var payload model.ProfilePayload
		if err := parsePayload(msg, &payload); err != nil {
			return nil, err
		}
		return nil, s.manager.UpdateProfile(payload.Name, payload.Profile)

	case model.MessageTypeRemoveProfile:
		var payload model.StopPayload
		if err := parsePayload(msg, &payload); err != nil {
			return nil, err
		}
		return nil, s.manager.RemoveProfile(payload.Name, payload.Timeout())

	case model.MessageTypeStartProfile:
		var payload model.NamePayload
		if err := parsePayload(msg, &payload); err != nil {
			return nil, err
		}
		return nil, s.manager.StartProfile(payload.Name)

	case model.MessageTypeStopProfile:
		var payload model.StopPayload
		if err := parsePayload(msg, &payload); err != nil {
			return nil, err
		}
		return nil, s.manager.StopProfile(payload.Name, payload.Timeout())

	case model.MessageTypeDestroyConnection:
		var payload model.ConnectionPayload
		if err := parsePayload(msg, &payload); err != nil {
			return nil, err
		}
		return nil, s.manager.DestroyConnection(payload.Name, payload.UID)

	default:
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func parsePayload(msg *model.Message, v interface{}) error {
	if err := msg.ParsePayload(v); err != nil {
		return fmt.Errorf("invalid %s payload: %v", msg.Type, err)
	}
	return nil
}

// broadcast pushes a message to every session. It must not log: log lines
// are broadcast themselves.
func (s *Server) broadcast(msgType model.MessageType, payload interface{}) {
	msg, err := model.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mutex.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mutex.Unlock()

	for _, sess := range sessions {
		sess.queue(data)
	}
}

func (s *Server) sendTo(sess *session, msg *model.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("control> failed to convert message to JSON: %v", err)
		return
	}
	if !sess.queue(data) {
		s.logger.Warn("control> session %s dropped %s message", sess.id, msg.Type)
	}
}
