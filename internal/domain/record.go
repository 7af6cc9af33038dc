package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is safe for concurrent use and caches struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// CrimeRecord is the flat JSON published by the collector for each incident.
type CrimeRecord struct {
	ID          string    `json:"id" validate:"required"`
	Latitude    *float64  `json:"latitude" validate:"required,latitude"`
	Longitude   *float64  `json:"longitude" validate:"required,longitude"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`
	PrimaryType string    `json:"primary_type"`
}

// ParseRawEvent decodes and validates a source message into an Event.
// Envelope and future-timestamp checks happen at ingest, not here.
func ParseRawEvent(raw RawEvent) (Event, error) {
	var rec CrimeRecord
	if err := json.Unmarshal(raw.Value, &rec); err != nil {
		return Event{}, fmt.Errorf("parse raw event: %w", err)
	}
	return rec.Event()
}

// Event validates the record and converts it.
func (r CrimeRecord) Event() (Event, error) {
	if err := validate.Struct(r); err != nil {
		return Event{}, InvalidArgument("crime record %q: %v", r.ID, err)
	}
	return Event{
		ID:        strings.TrimSpace(r.ID),
		Latitude:  *r.Latitude,
		Longitude: *r.Longitude,
		Timestamp: r.Timestamp,
		Category:  NormalizeCategory(r.PrimaryType),
	}, nil
}

// Record converts an Event back into its wire form.
func (e Event) Record() CrimeRecord {
	lat, lon := e.Latitude, e.Longitude
	return CrimeRecord{
		ID:          e.ID,
		Latitude:    &lat,
		Longitude:   &lon,
		Timestamp:   e.Timestamp,
		PrimaryType: e.Category,
	}
}

// NormalizeCategory upper-cases a category, defaulting to UNKNOWN.
func NormalizeCategory(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "UNKNOWN"
	}
	return s
}
