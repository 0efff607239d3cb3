package notification

import (
	"context"
	"time"
)

// Repository persists notifications.
type Repository interface {
	Insert(ctx context.Context, n *Notification) error
	ListByUser(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]*Notification, int, error)
	MarkRead(ctx context.Context, userID string, id string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Clear(ctx context.Context, userID string) (int64, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	PruneRead(ctx context.Context, olderThan time.Time) (int64, error)
}
