package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id          BIGSERIAL PRIMARY KEY,
	from_number TEXT,
	to_number   TEXT,
	body        TEXT,
	message_id  TEXT,
	is_group    BOOLEAN NOT NULL DEFAULT FALSE,
	direction   TEXT NOT NULL DEFAULT 'incoming',
	source      TEXT,
	sent_at     BIGINT NOT NULL,
	raw         JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages (message_id);

CREATE TABLE IF NOT EXISTS sessions (
	id         SMALLINT PRIMARY KEY CHECK (id = 1),
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) Repo {
	return &repo{db: db}
}

// Migrate creates the messages and sessions tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (r *repo) SaveMessage(ctx context.Context, msg *Message) error {
	raw := msg.Raw
	if len(raw) == 0 {
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal raw: %w", err)
		}
		raw = b
	}

	direction := msg.Direction
	if direction == "" {
		direction = DirectionIncoming
	}

	return r.db.QueryRowContext(ctx, `
		INSERT INTO messages (from_number, to_number, body, message_id, is_group, direction, source, sent_at, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`,
		nullable(msg.From),
		nullable(msg.To),
		nullable(msg.Body),
		nullable(msg.ExternalID),
		msg.IsGroup,
		string(direction),
		nullable(string(msg.Source)),
		msg.Timestamp,
		string(raw),
	).Scan(&msg.ID)
}

func (r *repo) ListRecent(ctx context.Context, limit int) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, from_number, to_number, body, message_id, is_group, direction, source, sent_at, raw
		FROM messages
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m                               Message
			from, to, body, extID, src, raw sql.NullString
			direction                       string
		)
		if err := rows.Scan(
			&m.ID,
			&from,
			&to,
			&body,
			&extID,
			&m.IsGroup,
			&direction,
			&src,
			&m.Timestamp,
			&raw,
		); err != nil {
			return nil, err
		}
		m.From = from.String
		m.To = to.String
		m.Body = body.String
		m.ExternalID = extID.String
		m.Direction = Direction(direction)
		m.Source = Source(src.String)
		if raw.Valid {
			m.Raw = json.RawMessage(raw.String)
		}
		out = append(out, m)
	}

	return out, rows.Err()
}

func (r *repo) ClearMessages(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM messages`)
	return err
}

func (r *repo) SaveSession(ctx context.Context, rec SessionRecord) error {
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, data, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`, string(data))
	return err
}

// GetSession returns nil when no session is stored.
func (r *repo) GetSession(ctx context.Context) (*SessionRecord, error) {
	var data string
	err := r.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec SessionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &rec, nil
}

func (r *repo) DeleteSession(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions`)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
