package kafka

import "time"

// ControlEvent is the JSON form of a reset message. The bare token "reset"
// is accepted as well.
type ControlEvent struct {
	Op      string    `json:"op"`
	Source  string    `json:"source,omitempty"`
	Version uint64    `json:"version,omitempty"`
	TS      time.Time `json:"ts,omitzero"`
}
