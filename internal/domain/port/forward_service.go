package port

import (
	"time"

	"github.com/portrelay/portrelay/internal/domain/model"
)

// ServiceOwner receives the signals of the services it owns
type ServiceOwner interface {
	HandleServiceEvent(event model.Event)
}

// ForwardService is one profile's forwarder
type ForwardService interface {
	// Name returns the profile name
	Name() string

	// Profile returns the current sanitized profile
	Profile() model.Profile

	// State returns the lifecycle state
	State() model.ServiceState

	// Open binds the listening socket
	Open() error

	// Close stops accepting and drains connections. A zero timeout destroys
	// them at once, a positive one destroys leftovers at the deadline and a
	// negative one waits for them without a deadline.
	Close(timeout time.Duration) error

	// ChangeOptions replaces the profile of a closed service
	ChangeOptions(profile model.Profile) (model.Profile, error)

	// DestroyConnection tears down one connection by uid
	DestroyConnection(uid string) bool

	// Snapshot returns the reporting view
	Snapshot() model.ServiceSnapshot
}

// ServiceFactory builds the service for a profile, owned by owner
type ServiceFactory func(name string, profile model.Profile, owner ServiceOwner) (ForwardService, error)
