package model

import "time"

// ConnectionSnapshot is the reporting view of one connection
type ConnectionSnapshot struct {
	UID           string          `json:"uid"`
	State         ConnectionState `json:"state"`
	BytesRead     int64           `json:"bytesRead"`
	BytesWritten  int64           `json:"bytesWritten"`
	ClientFamily  string          `json:"clientFamily"`
	ClientAddress string          `json:"clientAddress"`
	ClientPort    int             `json:"clientPort"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// ServiceSnapshot is the reporting view of one service.
// Totals include closed connections plus the live ones.
type ServiceSnapshot struct {
	Name              string                        `json:"name"`
	State             ServiceState                  `json:"state"`
	AutoStart         bool                          `json:"autoStart"`
	CloseDeadline     *time.Time                    `json:"closeDeadline,omitempty"`
	Source            int                           `json:"source"`
	Dest              string                        `json:"dest"`
	IdleTimeoutMs     int64                         `json:"idleTimeoutMs"`
	TotalBytesRead    int64                         `json:"totalBytesRead"`
	TotalBytesWritten int64                         `json:"totalBytesWritten"`
	Connections       map[string]ConnectionSnapshot `json:"connections"`
}

// ManagerStatus holds the manager level status flags
type ManagerStatus struct {
	Ready            bool `json:"ready"`
	HasNotifications bool `json:"hasNotifications"`
}

// ManagerSnapshot is the read model consumed by status reporting
type ManagerSnapshot struct {
	Version  string                     `json:"version"`
	Status   ManagerStatus              `json:"status"`
	Services map[string]ServiceSnapshot `json:"services"`
}
