package forward

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/portrelay/portrelay/internal/domain/port"
	"github.com/portrelay/portrelay/internal/infrastructure/logger"
)

// NoDeadline passed to Close waits for connections to end on their own
const NoDeadline time.Duration = -1

const acceptRetryDelay = 100 * time.Millisecond

// Options holds the settings shared by every service of a manager
type Options struct {
	// BindHost is the host listeners bind to, empty for all interfaces
	BindHost string
	// DialTimeout bounds connecting to the destination, 0 for no bound
	DialTimeout time.Duration
}

// Service forwards one profile's source port to its destination
type Service struct {
	name   string
	owner  port.ServiceOwner
	logger port.Logger
	opts   Options
	dialer *net.Dialer

	mu            sync.Mutex
	profile       model.Profile
	state         model.ServiceState
	listener      net.Listener
	acceptDone    chan struct{}
	conns         map[string]*Connection
	closedRead    int64
	closedWritten int64
	closeDeadline *time.Time
	deadline      *time.Timer

	live sync.WaitGroup
}

// NewService creates a closed service for profile. owner may be nil.
func NewService(name string, profile model.Profile, owner port.ServiceOwner, l port.Logger, opts Options) (*Service, error) {
	if err := model.ValidateProfileName(name); err != nil {
		return nil, err
	}
	sanitized, err := model.ValidateProfile(profile)
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.Discard
	}

	return &Service{
		name:    name,
		owner:   owner,
		logger:  l,
		opts:    opts,
		dialer:  &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: keepAlivePeriod},
		profile: sanitized,
		state:   model.ServiceClosed,
		conns:   make(map[string]*Connection),
	}, nil
}

// Name returns the profile name
func (s *Service) Name() string {
	return s.name
}

// Profile returns the current sanitized profile
func (s *Service) Profile() model.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// State returns the lifecycle state
func (s *Service) State() model.ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound listener address, or nil when not listening
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Open binds the source port and starts accepting
func (s *Service) Open() error {
	s.mu.Lock()
	if s.state.Busy() {
		s.mu.Unlock()
		return model.ErrServiceChanging
	}
	if s.state == model.ServiceOpen {
		s.mu.Unlock()
		return model.ErrAlreadyOpen
	}
	s.state = model.ServiceOpening
	addr := net.JoinHostPort(s.opts.BindHost, strconv.Itoa(s.profile.Source))
	s.mu.Unlock()

	s.logger.Info("opening %s", addr)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrapped := model.ErrListen.Wrap(err)
		s.mu.Lock()
		s.state = model.ServiceError
		s.mu.Unlock()

		s.logger.Error("listen %s - %v", addr, err)
		s.emitError(wrapped)
		return wrapped
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.listener = ln
	s.acceptDone = done
	s.state = model.ServiceOpen
	dest := s.profile.Dest
	s.mu.Unlock()

	go s.acceptLoop(ln, done)

	s.logger.Info("opened %s -> %s", ln.Addr(), dest)
	s.emit(model.NewEvent(model.SignalOpened, s.name))
	return nil
}

func (s *Service) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept - %v", err)
			time.Sleep(acceptRetryDelay)
			continue
		}
		s.adopt(conn)
	}
}

// adopt turns an accepted socket into a Connection
func (s *Service) adopt(client net.Conn) {
	if tcpConn, ok := client.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(keepAlivePeriod)
	}

	s.mu.Lock()
	if s.state != model.ServiceOpen {
		s.mu.Unlock()
		client.Close()
		return
	}

	uid := connectionUID(client.RemoteAddr())
	for i := 1; s.conns[uid] != nil; i++ {
		uid = connectionUID(client.RemoteAddr()) + "#" + strconv.Itoa(i)
	}

	idle := time.Duration(s.profile.IdleTimeoutMs) * time.Millisecond
	c := newConnection(s, uid, client, model.DestAddress(s.profile.Dest), s.dialer, idle,
		logger.WithPrefix(s.logger, "connection["+uid+"]>"))
	s.conns[uid] = c
	s.live.Add(1)
	s.mu.Unlock()

	c.logger.Debug("accepted")
	ev := model.NewEvent(model.SignalConnectionCreated, s.name)
	ev.Connection = uid
	s.emit(ev)

	c.start()
}

func connectionUID(addr net.Addr) string {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String() + ":" + strconv.Itoa(tcpAddr.Port)
	}
	return addr.String()
}

func (s *Service) connectionPiped(c *Connection) {
	ev := model.NewEvent(model.SignalConnectionPiped, s.name)
	ev.Connection = c.uid
	s.emit(ev)
}

func (s *Service) connectionTimedOut(c *Connection) {
	ev := model.NewEvent(model.SignalConnectionTimedOut, s.name)
	ev.Connection = c.uid
	s.emit(ev)
}

// connectionDestroyed folds the final counters into the totals and forgets c
func (s *Service) connectionDestroyed(c *Connection) {
	s.mu.Lock()
	s.closedRead += c.BytesRead()
	s.closedWritten += c.BytesWritten()
	if s.conns[c.uid] == c {
		delete(s.conns, c.uid)
	}
	s.mu.Unlock()

	ev := model.NewEvent(model.SignalConnectionDestroyed, s.name)
	ev.Connection = c.uid
	s.emit(ev)
	s.live.Done()
}

// Close stops accepting and waits until every connection is destroyed.
// A zero timeout destroys them at once, a positive one destroys the leftovers
// at the deadline and NoDeadline (any negative value) never forces them.
func (s *Service) Close(timeout time.Duration) error {
	s.mu.Lock()
	if s.state.Busy() {
		s.mu.Unlock()
		return model.ErrServiceChanging
	}
	if s.listener == nil {
		s.mu.Unlock()
		return model.ErrAlreadyClosed
	}
	s.state = model.ServiceClosing
	ln := s.listener
	acceptDone := s.acceptDone
	if timeout > 0 {
		deadline := time.Now().Add(timeout)
		s.closeDeadline = &deadline
		s.deadline = time.AfterFunc(timeout, func() {
			if n := s.DestroyAllConnections(); n > 0 {
				s.logger.Info("close deadline reached, destroyed %d connection(s)", n)
			}
		})
	}
	s.mu.Unlock()

	s.logger.Info("closing (timeout %v)", timeout)
	closeErr := ln.Close()
	<-acceptDone

	if timeout == 0 {
		s.DestroyAllConnections()
	}
	s.live.Wait()

	s.mu.Lock()
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
	s.closeDeadline = nil
	s.listener = nil
	s.acceptDone = nil
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		s.state = model.ServiceError
		s.mu.Unlock()

		wrapped := model.ErrSocket.Wrap(closeErr)
		s.logger.Error("close - %v", closeErr)
		s.emitError(wrapped)
		return wrapped
	}
	s.state = model.ServiceClosed
	s.mu.Unlock()

	s.logger.Info("closed")
	s.emit(model.NewEvent(model.SignalClosed, s.name))
	return nil
}

// ChangeOptions validates and installs a new profile. The service must be
// closed.
func (s *Service) ChangeOptions(profile model.Profile) (model.Profile, error) {
	s.mu.Lock()
	if s.state.Busy() {
		s.mu.Unlock()
		return model.Profile{}, model.ErrServiceChanging
	}
	if s.state == model.ServiceOpen {
		s.mu.Unlock()
		return model.Profile{}, model.ErrAlreadyOpen.Withf("service must be closed to change options")
	}
	sanitized, err := model.ValidateProfile(profile)
	if err != nil {
		s.mu.Unlock()
		return model.Profile{}, err
	}
	s.profile = sanitized
	s.mu.Unlock()

	s.logger.Info("options changed: source %d, dest %s, idle %dms, autoStart %t",
		sanitized.Source, sanitized.Dest, sanitized.IdleTimeoutMs, sanitized.AutoStart)
	ev := model.NewEvent(model.SignalOptionsChanged, s.name)
	ev.Profile = &sanitized
	s.emit(ev)
	return sanitized, nil
}

// DestroyConnection destroys the connection with uid, reporting whether it
// existed
func (s *Service) DestroyConnection(uid string) bool {
	s.mu.Lock()
	c := s.conns[uid]
	s.mu.Unlock()
	if c == nil {
		return false
	}
	c.Destroy()
	return true
}

// DestroyAllConnections destroys every live connection and returns how many
// there were
func (s *Service) DestroyAllConnections() int {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Destroy()
	}
	return len(conns)
}

// Snapshot returns the reporting view. Totals include the live connections.
func (s *Service) Snapshot() model.ServiceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := model.ServiceSnapshot{
		Name:              s.name,
		State:             s.state,
		AutoStart:         s.profile.AutoStart,
		Source:            s.profile.Source,
		Dest:              s.profile.Dest,
		IdleTimeoutMs:     s.profile.IdleTimeoutMs,
		TotalBytesRead:    s.closedRead,
		TotalBytesWritten: s.closedWritten,
		Connections:       make(map[string]model.ConnectionSnapshot, len(s.conns)),
	}
	if s.closeDeadline != nil {
		deadline := *s.closeDeadline
		snap.CloseDeadline = &deadline
	}
	for uid, c := range s.conns {
		cs := c.Snapshot()
		snap.TotalBytesRead += cs.BytesRead
		snap.TotalBytesWritten += cs.BytesWritten
		snap.Connections[uid] = cs
	}
	return snap
}

func (s *Service) emitError(err error) {
	ev := model.NewEvent(model.SignalError, s.name)
	ev.Err = err
	s.emit(ev)
}

func (s *Service) emit(ev model.Event) {
	if s.owner != nil {
		s.owner.HandleServiceEvent(ev)
	}
}

// Ensure Service implements port.ForwardService
var _ port.ForwardService = (*Service)(nil)
