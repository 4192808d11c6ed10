package repository

import (
	"context"
	"iter"

	"github.com/fastygo/chatcrm/domain"
)

// Stream lazily reads a user's events after cursor, fetching pageSize events at a time.
// Iteration stops at the end of the log, on the first error, or when ctx is done. The
// sequence is restartable from any event id the caller has seen.
func Stream(ctx context.Context, log EventLog, userID string, cursor int64, pageSize int) iter.Seq2[domain.Event, error] {
	pageSize = clampLimit(pageSize, 500)
	return func(yield func(domain.Event, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(domain.Event{}, err)
				return
			}
			page, err := log.ReadSince(ctx, userID, cursor, pageSize)
			if err != nil {
				yield(domain.Event{}, err)
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
				cursor = ev.ID
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}
