package dedup

import (
	"context"
	"fmt"
)

// Store decides whether an event identity was already processed inside the
// dedup window. IsDuplicate and MarkProcessed are separate so a failed
// handling pass never poisons the window for the redelivery.
type Store interface {
	IsDuplicate(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

type Stats struct {
	Backend       string `json:"backend"`
	Size          int64  `json:"size"`
	WindowSeconds int    `json:"window_seconds"`
}

// Key builds the dedup identity for one event. Correlation keys are only
// unique within a category, so the category is part of the identity.
func Key(category, correlationKey string) string {
	return fmt.Sprintf("%s:%s", category, correlationKey)
}
