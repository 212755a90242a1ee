package ingest

import (
	"geotrack/internal/event"
	"geotrack/internal/user"
)

// Update is pushed to stream followers for every newly accepted batch.
type Update struct {
	BatchID string        `json:"batch_id"`
	User    user.User     `json:"user"`
	Events  []event.Event `json:"events"`
}
