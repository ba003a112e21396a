package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore implements MessageStore on PostgreSQL.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

const messagesSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id             TEXT PRIMARY KEY,
	room_id        TEXT NOT NULL,
	sender_id      TEXT NOT NULL,
	recipient_id   TEXT NOT NULL,
	body           TEXT NOT NULL,
	attachment_url TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages (room_id, created_at DESC);
`

// NewPostgresStore connects, applies defaults and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store: empty DSN")
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if _, err := db.ExecContext(ctx, messagesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres store: ensure schema: %w", err)
	}

	logger.Info("message store connected", zap.Int("max_conns", cfg.MaxConnections))
	return &PostgresStore{db: db, logger: logger}, nil
}

// SaveMessage inserts the message and returns the stored record with the
// server-assigned id and timestamp.
func (s *PostgresStore) SaveMessage(ctx context.Context, msg *Message) (*Message, error) {
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}

	const q = `
		INSERT INTO messages (id, room_id, sender_id, recipient_id, body, attachment_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`
	err := s.db.QueryRowxContext(ctx, q,
		stored.ID, stored.RoomID, stored.SenderID, stored.RecipientID,
		stored.Body, stored.AttachmentURL,
	).Scan(&stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres store: save message: %w", err)
	}
	return &stored, nil
}

// RecentMessages returns the newest messages in a room, oldest first.
func (s *PostgresStore) RecentMessages(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}

	const q = `
		SELECT id, room_id, sender_id, recipient_id, body, attachment_url, created_at
		FROM messages
		WHERE room_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	var msgs []*Message
	if err := s.db.SelectContext(ctx, &msgs, q, roomID, limit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres store: recent messages: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
