package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/djlord-it/watchrecord/internal/document"
	"github.com/djlord-it/watchrecord/internal/domain"
	"github.com/djlord-it/watchrecord/internal/record"
)

// Store persists watches and their triggered records in PostgreSQL. It
// implements the store interfaces of the scheduler, dispatcher, reconciler
// and api packages.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a store using db. Every operation is bounded by opTimeout;
// zero disables the bound.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWatch(row rowScanner) (domain.Watch, error) {
	var w domain.Watch
	var timeoutMs int64
	err := row.Scan(
		&w.Name,
		&w.Enabled,
		&w.CronExpression,
		&w.Timezone,
		&w.Webhook.URL,
		&w.Webhook.Secret,
		&timeoutMs,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return domain.Watch{}, err
	}
	w.Webhook.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return w, nil
}

func (s *Store) queryWatches(ctx context.Context, query string, args ...any) ([]domain.Watch, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetEnabledWatches returns every enabled watch.
func (s *Store) GetEnabledWatches(ctx context.Context) ([]domain.Watch, error) {
	return s.queryWatches(ctx, queryGetEnabledWatches)
}

// ListWatches returns watches, newest first.
func (s *Store) ListWatches(ctx context.Context, limit, offset int) ([]domain.Watch, error) {
	return s.queryWatches(ctx, queryListWatches, limit, offset)
}

// GetWatch returns the watch called name, or domain.ErrWatchNotFound.
func (s *Store) GetWatch(ctx context.Context, name string) (domain.Watch, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	w, err := scanWatch(s.db.QueryRowContext(ctx, queryGetWatch, name))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Watch{}, domain.ErrWatchNotFound
	}
	return w, err
}

// CreateWatch inserts a watch. Returns domain.ErrDuplicateWatch if the name
// is taken.
func (s *Store) CreateWatch(ctx context.Context, w domain.Watch) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertWatch,
		w.Name,
		w.Enabled,
		w.CronExpression,
		w.Timezone,
		w.Webhook.URL,
		w.Webhook.Secret,
		w.Webhook.Timeout.Milliseconds(),
		w.CreatedAt,
		w.UpdatedAt,
	)
	if isDuplicateKeyError(err) {
		return domain.ErrDuplicateWatch
	}
	return err
}

// DeleteWatch removes a watch together with its pending triggered records.
func (s *Store) DeleteWatch(ctx context.Context, name string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var deleted string
	err := s.db.QueryRowContext(ctx, queryDeleteWatch, name).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrWatchNotFound
	}
	return err
}

// PutTriggeredWatch stores w as a record document. Writing the same id again
// replaces the document and bumps its version.
func (s *Store) PutTriggeredWatch(ctx context.Context, w domain.TriggeredWatch) error {
	if w.ID().IsZero() {
		return fmt.Errorf("put triggered watch: %w: empty id", domain.ErrInvalidExecutionID)
	}
	source, err := record.Encode(w, document.EmptyParams)
	if err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err = s.db.ExecContext(ctx, queryPutTriggeredWatch,
		w.ID().String(),
		w.ID().WatchName(),
		source,
		time.Now().UTC(),
	)
	return err
}

// DeleteTriggeredWatch removes the record for id. Deleting a missing record
// is not an error.
func (s *Store) DeleteTriggeredWatch(ctx context.Context, id domain.ExecutionID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryDeleteTriggeredWatch, id.String())
	return err
}

// ListTriggeredWatches returns up to limit records created before olderThan,
// oldest first, leaving out quarantined records. Records are returned
// undecoded.
func (s *Store) ListTriggeredWatches(ctx context.Context, olderThan time.Time, limit int) ([]record.Stored, error) {
	return s.queryRecords(ctx, queryListTriggeredWatches, olderThan, limit)
}

// QuarantineTriggeredWatch marks the record stored under id as unreadable so
// recovery listings skip it. The row is kept for inspection; writing the id
// again clears the mark.
func (s *Store) QuarantineTriggeredWatch(ctx context.Context, id, reason string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryQuarantineTriggeredWatch, id, time.Now().UTC(), reason)
	return err
}

// ListPendingTriggeredWatches pages through all records, newest first.
func (s *Store) ListPendingTriggeredWatches(ctx context.Context, limit, offset int) ([]record.Stored, error) {
	return s.queryRecords(ctx, queryListPendingTriggeredWatches, limit, offset)
}

// CountTriggeredWatches returns the number of pending records.
func (s *Store) CountTriggeredWatches(ctx context.Context) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, queryCountTriggeredWatches).Scan(&n)
	return n, err
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]record.Stored, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []record.Stored
	for rows.Next() {
		var r record.Stored
		if err := rows.Scan(&r.ID, &r.Version, &r.Source, &r.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// Errors that lost their driver type still carry the message.
	msg := err.Error()
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
