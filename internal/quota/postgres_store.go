package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ChangeChannel is the NOTIFY channel the user_quotas trigger publishes on.
const ChangeChannel = "user_quota_changed"

const (
	listenerMinReconnect = 2 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// PostgresStore implements Store using PostgreSQL. Live updates arrive
// through LISTEN on ChangeChannel once Listen has been started.
type PostgresStore struct {
	db     *sqlx.DB
	subs   *subscribers
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PostgresStore{db: db, subs: newSubscribers(), logger: logger}
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, userID uuid.UUID, defaultLimit int) (Record, error) {
	if defaultLimit <= 0 {
		return Record{}, ErrInvalidLimit
	}

	const query = `
		INSERT INTO user_quotas (user_id, requests_used, requests_limit, updated_at)
		VALUES ($1, 0, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING user_id, requests_used, requests_limit, updated_at
	`

	var row quotaRow
	if err := s.db.GetContext(ctx, &row, query, userID, defaultLimit); err != nil {
		return Record{}, fmt.Errorf("load quota: %w", err)
	}
	return row.toRecord(), nil
}

// Increment implements Store.
func (s *PostgresStore) Increment(ctx context.Context, userID uuid.UUID, n int) (Record, error) {
	if n <= 0 {
		return Record{}, ErrInvalidIncrement
	}

	const query = `
		UPDATE user_quotas
		SET requests_used = requests_used + $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING user_id, requests_used, requests_limit, updated_at
	`

	var row quotaRow
	if err := s.db.GetContext(ctx, &row, query, userID, n); err != nil {
		return Record{}, fmt.Errorf("increment quota: %w", err)
	}
	return row.toRecord(), nil
}

// Subscribe implements Store. Callbacks only fire while Listen is running.
func (s *PostgresStore) Subscribe(_ context.Context, userID uuid.UUID, fn func(Record)) (func(), error) {
	return s.subs.add(userID, fn), nil
}

// Listen opens a dedicated LISTEN connection and dispatches change
// notifications until ctx is done.
func (s *PostgresStore) Listen(ctx context.Context, dsn string) error {
	listener := pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect, func(event pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn("quota listener event", "event", event, "error", err)
		}
	})
	if err := listener.Listen(ChangeChannel); err != nil {
		_ = listener.Close()
		return fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}

	go s.dispatch(ctx, listener)
	return nil
}

func (s *PostgresStore) dispatch(ctx context.Context, listener *pq.Listener) {
	defer listener.Close()

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// Reconnected; notifications sent while down are lost.
				s.logger.Info("quota listener reconnected")
				continue
			}
			record, err := decodeNotification(n.Extra)
			if err != nil {
				s.logger.Warn("invalid quota notification", "error", err)
				continue
			}
			s.subs.publish(record)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				s.logger.Warn("quota listener ping failed", "error", err)
			}
		}
	}
}

func decodeNotification(payload string) (Record, error) {
	var record Record
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return Record{}, fmt.Errorf("decode notification: %w", err)
	}
	if record.UserID == uuid.Nil {
		return Record{}, fmt.Errorf("decode notification: missing user_id")
	}
	return record, nil
}

type quotaRow struct {
	UserID        uuid.UUID `db:"user_id"`
	RequestsUsed  int       `db:"requests_used"`
	RequestsLimit int       `db:"requests_limit"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r quotaRow) toRecord() Record {
	return Record{
		UserID:        r.UserID,
		RequestsUsed:  r.RequestsUsed,
		RequestsLimit: r.RequestsLimit,
		UpdatedAt:     r.UpdatedAt,
	}
}
