package job

import "time"

// Event is one entry of a record's phase history.
type Event struct {
	Phase string    `json:"phase"`
	At    time.Time `json:"at"`
}
