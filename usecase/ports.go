package usecase

import (
	"context"
	"time"

	"github.com/fastygo/chatcrm/domain"
)

// EventPublisher notifies interested parties after an event is durable. Publishing is
// decoupled from append: a failed notification never fails the submission.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// ContextResolver derives the working set of a conversation.
type ContextResolver interface {
	Resolve(ctx context.Context, userID, conversationID string) (domain.ConversationContext, error)
}

// Recorder receives operational measurements from the core.
type Recorder interface {
	ObserveSubmission(kind string, status domain.ExecutionStatus, errorKind domain.ErrorCode, elapsed time.Duration)
	ObserveConflict(kind string)
	ObserveRollback(result string)
}

// NopPublisher discards notifications.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.Event) error { return nil }

// NopRecorder discards measurements.
type NopRecorder struct{}

func (NopRecorder) ObserveSubmission(string, domain.ExecutionStatus, domain.ErrorCode, time.Duration) {}
func (NopRecorder) ObserveConflict(string) {}
func (NopRecorder) ObserveRollback(string) {}
