package pipeline

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
)

// EventTransformer implements Transformer by decoding and validating crime
// record JSON.
type EventTransformer struct {
	logger *slog.Logger
}

// NewTransformer creates an EventTransformer.
func NewTransformer(logger *slog.Logger) *EventTransformer {
	return &EventTransformer{logger: logger}
}

func (t *EventTransformer) Transform(_ context.Context, raw domain.RawEvent) (domain.Event, error) {
	event, err := domain.ParseRawEvent(raw)
	if err != nil {
		return domain.Event{}, err
	}
	if event.ID == "" && len(raw.Key) > 0 {
		event.ID = string(raw.Key)
	}
	return event, nil
}
