// Package cloudevent builds and delivers CloudEvents 1.0 in structured JSON mode.
package cloudevent

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

const (
	SpecVersion = "1.0"
	ContentType = "application/cloudevents+json"
)

// Event is a structured-mode CloudEvent.
type Event struct {
	SpecVersion     string    `json:"specversion"`
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Source          string    `json:"source"`
	Subject         string    `json:"subject,omitempty"`
	Time            time.Time `json:"time"`
	DataContentType string    `json:"datacontenttype,omitempty"`
	Data            any       `json:"data,omitempty"`
}

// New returns an event with a random ID stamped at the current time.
func New(eventType, source, subject string, data any) *Event {
	return &Event{
		SpecVersion:     SpecVersion,
		ID:              newID(),
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

func newID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
