package port

import (
	"time"

	"github.com/portrelay/portrelay/internal/domain/model"
)

// ProfileManager is the control API over the set of forwarding profiles
type ProfileManager interface {
	CreateProfile(name string, profile model.Profile) error
	RemoveProfile(name string, timeout time.Duration) error
	UpdateProfile(name string, profile model.Profile) error
	StartProfile(name string) error
	StopProfile(name string, timeout time.Duration) error
	DestroyConnection(name, uid string) error

	Snapshot() model.ManagerSnapshot
	Notifications() []model.Notification
	ClearNotification(sequence uint64) bool
	ClearNotifications()

	// Subscribe registers fn for every manager and service event
	Subscribe(fn func(model.Event)) func()

	Version() string
}
