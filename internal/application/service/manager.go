package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/portrelay/portrelay/internal/domain/port"
	"golang.org/x/sync/errgroup"
)

// Manager owns the set of named profiles, one forwarding service per profile,
// and keeps the persisted profile document in step with them
type Manager struct {
	store   port.ProfileStore
	factory port.ServiceFactory
	logger  port.Logger
	version string

	mu       sync.Mutex
	loaded   bool
	ready    bool
	profiles model.ProfileDocument
	services map[string]port.ForwardService
	removing map[string]bool
	inFlight map[string]int

	notifications []model.Notification
	nextSequence  uint64

	subscribers   map[int]func(model.Event)
	nextSubscribe int
}

// NewManager creates an empty manager. Call Load to bring up the persisted
// profiles.
func NewManager(store port.ProfileStore, factory port.ServiceFactory, logger port.Logger, version string) *Manager {
	return &Manager{
		store:       store,
		factory:     factory,
		logger:      logger,
		version:     version,
		profiles:    model.ProfileDocument{},
		services:    make(map[string]port.ForwardService),
		removing:    make(map[string]bool),
		inFlight:    make(map[string]int),
		subscribers: make(map[int]func(model.Event)),
	}
}

// Load reads the profile document, builds a service per profile and opens the
// autoStart ones. A missing document is a first run and gets written out;
// any other failure becomes a notification and the manager starts empty.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	if m.loaded {
		m.mu.Unlock()
		return model.ErrAlreadyLoaded
	}
	m.loaded = true
	m.mu.Unlock()

	doc, err := m.store.Load(ctx)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrConfigNotFound):
		m.logger.Info("profile document %s not found, creating", m.store.Path())
		doc = model.ProfileDocument{}
		m.mu.Lock()
		m.persistLocked()
		m.mu.Unlock()
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		msg := fmt.Sprintf("unexpected error while loading profiles, changes will not survive a restart: %v", err)
		m.logger.Error("%s", msg)
		m.addNotification(model.LogLevelError, msg)
		doc = model.ProfileDocument{}
	}

	var autoStart []port.ForwardService
	var skipped []string
	m.mu.Lock()
	for _, name := range doc.Names() {
		svc, err := m.factory(name, doc[name], m)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("profile %q skipped: %v", name, err))
			continue
		}
		m.services[name] = svc
		m.profiles[name] = svc.Profile()
		if svc.Profile().AutoStart {
			autoStart = append(autoStart, svc)
		}
	}
	m.mu.Unlock()

	for _, msg := range skipped {
		m.logger.Warn("%s", msg)
		m.addNotification(model.LogLevelWarn, msg)
	}

	for _, svc := range autoStart {
		if err := svc.Open(); err != nil {
			m.logger.Warn("autoStart %s failed: %v", svc.Name(), err)
		}
	}

	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()

	m.logger.Info("ready, %d profile(s)", len(doc)-len(skipped))
	m.emit(model.NewEvent(model.SignalReady, ""))
	return nil
}

// Ready reports whether Load has finished
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Version returns the manager version
func (m *Manager) Version() string {
	return m.version
}

// persistLocked hands the current document to the store without waiting. A
// failed write becomes a notification.
func (m *Manager) persistLocked() {
	done := m.store.Save(m.profiles.Clone())
	go func() {
		if err := <-done; err != nil {
			msg := fmt.Sprintf("can't save profile document, changes will not survive a restart: %v", err)
			m.logger.Warn("%s", msg)
			m.addNotification(model.LogLevelWarn, msg)
		}
	}()
}

// acquire returns the service of a profile that is not being removed and
// holds off removal until release is called
func (m *Manager) acquire(name string) (port.ForwardService, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[name]
	if !ok {
		return nil, nil, model.ErrProfileNotFound
	}
	if m.removing[name] {
		return nil, nil, model.ErrServiceChanging
	}
	m.inFlight[name]++
	release := func() {
		m.mu.Lock()
		if m.inFlight[name]--; m.inFlight[name] <= 0 {
			delete(m.inFlight, name)
		}
		m.mu.Unlock()
	}
	return svc, release, nil
}

// CreateProfile validates and stores a new profile with a closed service
func (m *Manager) CreateProfile(name string, profile model.Profile) error {
	if err := model.ValidateProfileName(name); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.services[name]; ok {
		m.mu.Unlock()
		return model.ErrOccupiedName
	}
	sanitized, err := model.ValidateProfile(profile)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	svc, err := m.factory(name, sanitized, m)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.services[name] = svc
	m.profiles[name] = sanitized
	m.persistLocked()
	m.mu.Unlock()

	m.logger.Info("profile created: %s", name)
	ev := model.NewEvent(model.SignalProfileCreated, name)
	ev.Profile = &sanitized
	m.emit(ev)
	return nil
}

// RemoveProfile closes the profile's service if it is open, honouring
// timeout, then drops the profile. It fails with ErrServiceChanging while
// another operation on the profile is running.
func (m *Manager) RemoveProfile(name string, timeout time.Duration) error {
	m.mu.Lock()
	svc, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return model.ErrProfileNotFound
	}
	if m.removing[name] || m.inFlight[name] > 0 || svc.State().Busy() {
		m.mu.Unlock()
		return model.ErrServiceChanging
	}
	m.removing[name] = true
	m.mu.Unlock()

	m.logger.Debug("profile removing: %s", name)
	m.emit(model.NewEvent(model.SignalProfileRemoving, name))

	if svc.State() == model.ServiceOpen {
		if err := svc.Close(timeout); err != nil {
			m.mu.Lock()
			delete(m.removing, name)
			m.mu.Unlock()
			return err
		}
	}

	m.mu.Lock()
	delete(m.removing, name)
	delete(m.services, name)
	delete(m.profiles, name)
	m.persistLocked()
	m.mu.Unlock()

	m.logger.Info("profile removed: %s", name)
	m.emit(model.NewEvent(model.SignalProfileRemoved, name))
	return nil
}

// UpdateProfile changes the options of a closed profile. The document is
// persisted when the service reports the change.
func (m *Manager) UpdateProfile(name string, profile model.Profile) error {
	svc, release, err := m.acquire(name)
	if err != nil {
		return err
	}
	defer release()
	_, err = svc.ChangeOptions(profile)
	return err
}

// StartProfile opens the profile's service
func (m *Manager) StartProfile(name string) error {
	svc, release, err := m.acquire(name)
	if err != nil {
		return err
	}
	defer release()
	return svc.Open()
}

// StopProfile closes the profile's service
func (m *Manager) StopProfile(name string, timeout time.Duration) error {
	svc, release, err := m.acquire(name)
	if err != nil {
		return err
	}
	defer release()
	return svc.Close(timeout)
}

// DestroyConnection tears down one connection of a profile
func (m *Manager) DestroyConnection(name, uid string) error {
	svc, release, err := m.acquire(name)
	if err != nil {
		return err
	}
	defer release()
	if !svc.DestroyConnection(uid) {
		return model.ErrConnectionNotFound
	}
	return nil
}

// StopAll closes every open service in parallel
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	services := make([]port.ForwardService, 0, len(m.services))
	for _, svc := range m.services {
		services = append(services, svc)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, svc := range services {
		svc := svc
		if svc.State() != model.ServiceOpen {
			continue
		}
		g.Go(func() error {
			if err := svc.Close(timeout); err != nil && !errors.Is(err, model.ErrAlreadyClosed) {
				return fmt.Errorf("failed to stop %s: %w", svc.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Snapshot returns the status flags and every service's snapshot
func (m *Manager) Snapshot() model.ManagerSnapshot {
	m.mu.Lock()
	services := make(map[string]port.ForwardService, len(m.services))
	for name, svc := range m.services {
		services[name] = svc
	}
	status := model.ManagerStatus{
		Ready:            m.ready,
		HasNotifications: len(m.notifications) > 0,
	}
	m.mu.Unlock()

	snap := model.ManagerSnapshot{
		Version:  m.version,
		Status:   status,
		Services: make(map[string]model.ServiceSnapshot, len(services)),
	}
	for name, svc := range services {
		snap.Services[name] = svc.Snapshot()
	}
	return snap
}

// HandleServiceEvent persists option changes, surfaces service errors as
// notifications and forwards every event to subscribers
func (m *Manager) HandleServiceEvent(ev model.Event) {
	switch ev.Signal {
	case model.SignalOptionsChanged:
		if ev.Profile != nil {
			m.mu.Lock()
			if _, ok := m.services[ev.Service]; ok {
				m.profiles[ev.Service] = *ev.Profile
				m.persistLocked()
			}
			m.mu.Unlock()
		}
	case model.SignalError:
		msg := fmt.Sprintf("service[%s] %v", ev.Service, ev.Err)
		m.logger.Warn("%s", msg)
		m.addNotification(model.LogLevelWarn, msg)
	}
	m.emit(ev)
}

func (m *Manager) addNotification(level model.LogLevel, message string) {
	m.mu.Lock()
	n := model.Notification{
		Level:    level,
		Message:  message,
		Sequence: m.nextSequence,
		Time:     time.Now(),
	}
	m.nextSequence++
	m.notifications = append(m.notifications, n)
	if over := len(m.notifications) - model.MaxNotifications; over > 0 {
		m.notifications = append([]model.Notification(nil), m.notifications[over:]...)
	}
	m.mu.Unlock()

	ev := model.NewEvent(model.SignalNotification, "")
	ev.Sequence = n.Sequence
	m.emit(ev)
}

// Notifications returns the retained notifications, oldest first
func (m *Manager) Notifications() []model.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Notification(nil), m.notifications...)
}

// ClearNotification drops one notification, reporting whether it existed
func (m *Manager) ClearNotification(sequence uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.notifications {
		if n.Sequence == sequence {
			m.notifications = append(m.notifications[:i], m.notifications[i+1:]...)
			return true
		}
	}
	return false
}

// ClearNotifications drops every notification
func (m *Manager) ClearNotifications() {
	m.mu.Lock()
	m.notifications = nil
	m.mu.Unlock()
}

// Subscribe registers fn for every manager and service event. Subscribers run
// on the emitting goroutine and must not block.
func (m *Manager) Subscribe(fn func(model.Event)) func() {
	m.mu.Lock()
	id := m.nextSubscribe
	m.nextSubscribe++
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) emit(ev model.Event) {
	m.mu.Lock()
	subscribers := make([]func(model.Event), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subscribers = append(subscribers, fn)
	}
	m.mu.Unlock()

	for _, fn := range subscribers {
		fn(ev)
	}
}

// Ensure Manager implements port.ProfileManager and port.ServiceOwner
var (
	_ port.ProfileManager = (*Manager)(nil)
	_ port.ServiceOwner   = (*Manager)(nil)
)
