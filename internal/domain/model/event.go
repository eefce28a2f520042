package model

import "time"

// Signal enumerates everything services and the manager report to observers
type Signal string

const (
	SignalOpened              Signal = "opened"
	SignalClosed              Signal = "closed"
	SignalError               Signal = "error"
	SignalOptionsChanged      Signal = "optionsChanged"
	SignalConnectionCreated   Signal = "connectionCreated"
	SignalConnectionPiped     Signal = "connectionPiped"
	SignalConnectionTimedOut  Signal = "connectionTimedOut"
	SignalConnectionDestroyed Signal = "connectionDestroyed"

	SignalReady           Signal = "ready"
	SignalProfileCreated  Signal = "profileCreated"
	SignalProfileRemoving Signal = "profileRemoving"
	SignalProfileRemoved  Signal = "profileRemoved"
	SignalNotification    Signal = "notification"
)

// Event is one signal with the data that goes with it
type Event struct {
	Signal Signal
	// Service is the profile name the event belongs to, if any
	Service string
	// Connection is the connection uid for connection signals
	Connection string
	// Profile is the sanitized profile for SignalOptionsChanged
	Profile *Profile
	// Err is set for SignalError
	Err error
	// Sequence is the notification sequence for SignalNotification
	Sequence uint64
	Time     time.Time
}

// NewEvent creates an event stamped with the current time
func NewEvent(signal Signal, service string) Event {
	return Event{Signal: signal, Service: service, Time: time.Now()}
}
