package auction

import "time"

// HistoryEntry records one bid attempt, successful or not. Entries are
// append-only and retained for seven days, newest first.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Amount    int       `json:"amount"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	ErrorType string    `json:"errorType,omitempty"`
	Strategy  Strategy  `json:"strategy"`
}
