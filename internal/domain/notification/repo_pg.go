package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caseflow/caseflow/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates a Postgres-backed notification repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const notifCols = `id, user_id, case_id, event_type, message, payload, read, created_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	var payload []byte
	err := row.Scan(&n.ID, &n.UserID, &n.CaseID, &n.EventType, &n.Message, &payload, &n.Read, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &n.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal notification payload: %w", err)
		}
	}
	return &n, nil
}

func (r *repoPG) Insert(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO notifications (id, user_id, case_id, event_type, message, payload, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, NOW())`,
		n.ID, n.UserID, n.CaseID, n.EventType, n.Message, payload)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *repoPG) ListByUser(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	filter := ""
	if unreadOnly {
		filter = " AND read = false"
	}

	var total int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1`+filter, userID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+notifCols+` FROM notifications
		WHERE user_id = $1`+filter+`
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var items []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	return items, total, nil
}

func (r *repoPG) MarkRead(ctx context.Context, userID string, id string) error {
	nid, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notifications SET read = true
		WHERE id = $1 AND user_id = $2`, nid, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notifications SET read = true
		WHERE user_id = $1 AND read = false`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) Clear(ctx context.Context, userID string) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM notifications WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("clear notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND read = false`, userID).Scan(&count)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

func (r *repoPG) PruneRead(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM notifications
		WHERE read = true AND created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
