package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// Runs against a real postgres when TEST_DATABASE_URL is set.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, Migrate(ctx, db))

	repo := NewRepo(db)
	require.NoError(t, repo.ClearMessages(ctx))
	require.NoError(t, repo.DeleteSession(ctx))
	return db
}

func TestRepo_Messages(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(openTestDB(t))

	first := &Message{Direction: DirectionIncoming, From: "628123@c.us", Body: "one", ExternalID: "a", Timestamp: 1}
	second := &Message{Direction: DirectionOutgoing, From: OwnAddress, To: "628123@c.us", Body: "two", ExternalID: "b", Source: SourceWebUI, Timestamp: 2}
	require.NoError(t, repo.SaveMessage(ctx, first))
	require.NoError(t, repo.SaveMessage(ctx, second))
	assert.Greater(t, second.ID, first.ID)

	got, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Body)
	assert.Equal(t, SourceWebUI, got[0].Source)
	assert.Equal(t, "", got[1].To)
	assert.Equal(t, int64(1), got[1].Timestamp)

	got, err = repo.ListRecent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, repo.ClearMessages(ctx))
	got, err = repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRepo_SessionSingleton(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(openTestDB(t))

	rec, err := repo.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, repo.SaveSession(ctx, SessionRecord{JID: "first"}))
	require.NoError(t, repo.SaveSession(ctx, SessionRecord{JID: "second", PushName: "Ops"}))

	rec, err = repo.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "second", rec.JID)
	assert.NotZero(t, rec.UpdatedAt)

	require.NoError(t, repo.DeleteSession(ctx))
	rec, err = repo.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRepo_CorruptSessionRow(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.ExecContext(ctx, `INSERT INTO sessions (id, data) VALUES (1, '[1,2]')`)
	require.NoError(t, err)

	rec, err := NewRepo(db).GetSession(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode session")
	assert.Nil(t, rec)
}

// The sessions read path is plain SQL, so sqlite covers it without postgres.
func TestRepo_GetSessionDecodeError(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `CREATE TABLE sessions (id INTEGER PRIMARY KEY, data TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO sessions (id, data) VALUES (1, 'not json')`)
	require.NoError(t, err)

	repo := NewRepo(db)
	rec, err := repo.GetSession(ctx)
	var syntaxErr *json.SyntaxError
	require.ErrorAs(t, err, &syntaxErr)
	assert.Contains(t, err.Error(), "decode session")
	assert.Nil(t, rec)

	_, err = db.ExecContext(ctx, `UPDATE sessions SET data = '{"jid":"628123@s.whatsapp.net"}' WHERE id = 1`)
	require.NoError(t, err)
	rec, err = repo.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "628123@s.whatsapp.net", rec.JID)
}
