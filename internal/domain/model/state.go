package model

// ServiceState is the lifecycle state of a forwarding service
type ServiceState int

const (
	// ServiceClosed has no listening socket
	ServiceClosed ServiceState = iota
	// ServiceOpening is binding its listening socket
	ServiceOpening
	// ServiceOpen is accepting connections
	ServiceOpen
	// ServiceClosing stopped accepting and is draining connections
	ServiceClosing
	// ServiceError failed its last open or close
	ServiceError
)

var serviceStateNames = map[ServiceState]string{
	ServiceClosed:  "closed",
	ServiceOpening: "opening",
	ServiceOpen:    "open",
	ServiceClosing: "closing",
	ServiceError:   "error",
}

// String returns the string representation of the state
func (s ServiceState) String() string {
	if name, ok := serviceStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Busy reports whether an open or close is in flight
func (s ServiceState) Busy() bool {
	return s == ServiceOpening || s == ServiceClosing
}

// MarshalText encodes the state by name
func (s ServiceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *ServiceState) UnmarshalText(text []byte) error {
	for state, name := range serviceStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	*s = ServiceError
	return nil
}

// ConnectionState is the lifecycle state of one relayed connection
type ConnectionState int

const (
	// ConnectionCreated is dialing the destination
	ConnectionCreated ConnectionState = iota
	// ConnectionPiped is relaying in both directions
	ConnectionPiped
	// ConnectionDestroyed has both sockets closed
	ConnectionDestroyed
)

var connectionStateNames = map[ConnectionState]string{
	ConnectionCreated:   "created",
	ConnectionPiped:     "piped",
	ConnectionDestroyed: "destroyed",
}

// String returns the string representation of the state
func (s ConnectionState) String() string {
	if name, ok := connectionStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the state by name
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *ConnectionState) UnmarshalText(text []byte) error {
	for state, name := range connectionStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	*s = ConnectionDestroyed
	return nil
}
