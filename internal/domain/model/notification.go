package model

import "time"

// MaxNotifications bounds the manager's notification ring
const MaxNotifications = 100

// Notification surfaces a failure that has no other channel, such as a failed save
type Notification struct {
	Level    LogLevel  `json:"level"`
	Message  string    `json:"message"`
	Sequence uint64    `json:"sequence"`
	Time     time.Time `json:"time"`
}

// LogEntry is one line of the log history
type LogEntry struct {
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}
