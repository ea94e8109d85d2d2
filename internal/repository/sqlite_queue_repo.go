package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/attendhub/outbox-agent/internal/domain"
)

const itemColumns = `id, seq, idempotency_key, type, payload, group_key, status,
	retries, max_retries, last_error, server_ref,
	attachment_path, attachment_state, attachment_error,
	created_at, updated_at, synced_at`

type sqliteQueueRepository struct {
	db *sql.DB
}

// NewSQLiteQueueRepository returns a QueueRepository backed by the local
// SQLite database.
func NewSQLiteQueueRepository(db *sql.DB) QueueRepository {
	return &sqliteQueueRepository{db: db}
}

func (r *sqliteQueueRepository) Create(ctx context.Context, item *domain.QueueItem, deviceID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// The counter never decreases, even after synced items are purged, so a
	// sequence number (and therefore an idempotency key) is never reissued.
	if _, err := tx.ExecContext(ctx,
		`UPDATE device_state SET local_seq = local_seq + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("advance device sequence: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT local_seq FROM device_state WHERE id = 1`).Scan(&seq); err != nil {
		return fmt.Errorf("read device sequence: %w", err)
	}

	item.Seq = seq
	item.IdempotencyKey = domain.IdemKey(deviceID, seq)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_items
			(id, seq, idempotency_key, type, payload, group_key, status,
			 retries, max_retries, last_error, server_ref,
			 attachment_path, attachment_state, attachment_error,
			 created_at, updated_at, synced_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		item.ID, item.Seq, item.IdempotencyKey, item.Type, string(item.Payload),
		item.GroupKey, item.Status, item.Retries, item.MaxRetries,
		item.LastError, item.ServerRef,
		item.AttachmentPath, item.AttachmentState, item.AttachmentError,
		item.CreatedAt.UnixNano(), item.UpdatedAt.UnixNano(), nullTime(item.SyncedAt),
	)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit queue item: %w", err)
	}
	return nil
}

func (r *sqliteQueueRepository) GetByID(ctx context.Context, id string) (*domain.QueueItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return item, err
}

func (r *sqliteQueueRepository) List(ctx context.Context, f domain.ListFilter) ([]*domain.QueueItem, error) {
	where, args := buildListWhere(f)

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items`+where+
			` ORDER BY created_at DESC, seq DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (r *sqliteQueueRepository) Counts(ctx context.Context) (domain.QueueCounts, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return domain.QueueCounts{}, fmt.Errorf("count queue items: %w", err)
	}
	defer rows.Close()

	var c domain.QueueCounts
	for rows.Next() {
		var status domain.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.QueueCounts{}, err
		}
		switch status {
		case domain.StatusPending:
			c.Pending = n
		case domain.StatusInProgress:
			c.InProgress = n
		case domain.StatusSynced:
			c.Synced = n
		case domain.StatusError:
			c.Errors = n
		}
	}
	return c, rows.Err()
}

func (r *sqliteQueueRepository) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	return r.exec(ctx, `
		UPDATE queue_items SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().UnixNano(), id)
}

func (r *sqliteQueueRepository) MarkSynced(ctx context.Context, id string, serverRef string, syncedAt time.Time) error {
	return r.exec(ctx, `
		UPDATE queue_items
		SET status = ?, server_ref = ?, synced_at = ?, last_error = NULL, updated_at = ?
		WHERE id = ?`,
		domain.StatusSynced, serverRef, syncedAt.UnixNano(), time.Now().UTC().UnixNano(), id)
}

func (r *sqliteQueueRepository) MarkError(ctx context.Context, id string, errMsg string) error {
	return r.exec(ctx, `
		UPDATE queue_items
		SET status = ?, retries = retries + 1, last_error = ?, updated_at = ?
		WHERE id = ?`,
		domain.StatusError, errMsg, time.Now().UTC().UnixNano(), id)
}

func (r *sqliteQueueRepository) Requeue(ctx context.Context, id string, errMsg string) error {
	return r.exec(ctx, `
		UPDATE queue_items
		SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		domain.StatusPending, nullString(errMsg), time.Now().UTC().UnixNano(), id)
}

func (r *sqliteQueueRepository) FindEligible(ctx context.Context, limit int) ([]*domain.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM queue_items
		WHERE status = ? OR (status = ? AND retries < max_retries)
		ORDER BY created_at ASC, seq ASC
		LIMIT ?`,
		domain.StatusPending, domain.StatusError, limit)
	if err != nil {
		return nil, fmt.Errorf("find eligible items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (r *sqliteQueueRepository) CountEligible(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM queue_items
		WHERE status = ? OR (status = ? AND retries < max_retries)`,
		domain.StatusPending, domain.StatusError).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count eligible items: %w", err)
	}
	return n, nil
}

func (r *sqliteQueueRepository) FindPendingGroup(ctx context.Context, groupKey string) ([]*domain.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM queue_items
		WHERE status = ? AND group_key = ?
		ORDER BY created_at ASC, seq ASC`,
		domain.StatusPending, groupKey)
	if err != nil {
		return nil, fmt.Errorf("find pending group: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (r *sqliteQueueRepository) FindPendingAttachments(ctx context.Context, limit int) ([]*domain.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM queue_items
		WHERE status = ? AND attachment_state = ?
		ORDER BY synced_at ASC
		LIMIT ?`,
		domain.StatusSynced, domain.AttachmentPending, limit)
	if err != nil {
		return nil, fmt.Errorf("find pending attachments: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (r *sqliteQueueRepository) SetAttachmentState(ctx context.Context, id string, state domain.AttachmentState, errMsg *string) error {
	return r.exec(ctx, `
		UPDATE queue_items
		SET attachment_state = ?, attachment_error = ?, updated_at = ?
		WHERE id = ?`,
		state, errMsg, time.Now().UTC().UnixNano(), id)
}

func (r *sqliteQueueRepository) RequeueInProgress(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, updated_at = ? WHERE status = ?`,
		domain.StatusPending, time.Now().UTC().UnixNano(), domain.StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("requeue in-progress items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteQueueRepository) PurgeSynced(ctx context.Context, keep int) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM queue_items
		WHERE status = ?
		  AND id NOT IN (
			SELECT id FROM queue_items
			WHERE status = ?
			ORDER BY synced_at DESC, seq DESC
			LIMIT ?
		  )`,
		domain.StatusSynced, domain.StatusSynced, keep)
	if err != nil {
		return 0, fmt.Errorf("purge synced items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteQueueRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

// scanItem reads a single queue item row; times are stored as unix
// nanoseconds, payload as a JSON string.
func scanItem(row rowScanner) (*domain.QueueItem, error) {
	var (
		item      domain.QueueItem
		payload   string
		createdAt int64
		updatedAt int64
		syncedAt  sql.NullInt64
	)
	err := row.Scan(
		&item.ID, &item.Seq, &item.IdempotencyKey, &item.Type, &payload,
		&item.GroupKey, &item.Status, &item.Retries, &item.MaxRetries,
		&item.LastError, &item.ServerRef,
		&item.AttachmentPath, &item.AttachmentState, &item.AttachmentError,
		&createdAt, &updatedAt, &syncedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Payload = []byte(payload)
	item.CreatedAt = time.Unix(0, createdAt).UTC()
	item.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if syncedAt.Valid {
		t := time.Unix(0, syncedAt.Int64).UTC()
		item.SyncedAt = &t
	}
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*domain.QueueItem, error) {
	var result []*domain.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// buildListWhere builds a parameterised WHERE clause from a ListFilter.
func buildListWhere(f domain.ListFilter) (string, []any) {
	var conditions []string
	var args []any

	if f.Status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, *f.Status)
	}
	if f.Type != nil {
		conditions = append(conditions, "type = ?")
		args = append(args, *f.Type)
	}
	if f.From != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, f.From.UnixNano())
	}
	if f.To != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, f.To.UnixNano())
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
