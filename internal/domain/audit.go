package domain

import "time"

// LogStatus is the severity of a durable log entry.
type LogStatus string

const (
	LogStatusInfo    LogStatus = "info"
	LogStatusWarning LogStatus = "warning"
	LogStatusError   LogStatus = "error"
)

// LogEntry is one append-only audit record.
type LogEntry struct {
	ID        string                 `json:"id"`
	HostID    string                 `json:"host_id,omitempty"`
	Action    string                 `json:"action"`
	Status    LogStatus              `json:"status"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewLogEntry builds an entry timestamped now.
func NewLogEntry(hostID string, status LogStatus, action string, details map[string]interface{}) *LogEntry {
	return &LogEntry{
		HostID:    hostID,
		Action:    action,
		Status:    status,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
}
