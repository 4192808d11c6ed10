package services

import (
	"context"
	"errors"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/usecase"
)

// Fanout delivers each event to every sink in order. A failing sink does not stop the
// others; the errors are joined.
type Fanout struct {
	sinks []usecase.EventPublisher
}

var _ usecase.EventPublisher = (*Fanout)(nil)

func NewFanout(sinks ...usecase.EventPublisher) *Fanout {
	out := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			out.sinks = append(out.sinks, s)
		}
	}
	return out
}

func (f *Fanout) Publish(ctx context.Context, ev domain.Event) error {
	var result error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			result = errors.Join(result, err)
		}
	}
	return result
}
