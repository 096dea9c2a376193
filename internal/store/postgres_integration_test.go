package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore connects to TEST_DATABASE_URL, applies migrations and clears
// the content tables. Tests using it are skipped when the variable is unset.
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, ApplyMigrations(ctx, db))
	_, err = db.ExecContext(ctx, `TRUNCATE comments, days, batches, sessions, users RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return NewPostgresStore(db)
}

func TestPostgresConcurrentAppendsKeepEveryComment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateBatch(ctx, Batch{Name: "Batch-1", Slug: "batch-1"})
	require.NoError(t, err)
	_, err = s.AddDay(ctx, "batch-1", Day{Slug: "day-1", Title: "Walking through"})
	require.NoError(t, err)

	const writers = 25
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendComment(ctx, "batch-1", "day-1", Comment{
				Author: fmt.Sprintf("user-%d", i),
				Text:   fmt.Sprintf("comment %d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	day, err := s.GetDay(ctx, "batch-1", "day-1")
	require.NoError(t, err)
	assert.Len(t, day.Comments, writers)
}

func TestPostgresSlugUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateBatch(ctx, Batch{Name: "Batch-1", Slug: "batch-1"})
	require.NoError(t, err)
	_, err = s.CreateBatch(ctx, Batch{Name: "Batch One", Slug: "batch-1"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.AddDay(ctx, "batch-1", Day{Slug: "day-1"})
	require.NoError(t, err)
	_, err = s.AddDay(ctx, "batch-1", Day{Slug: "day-1"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestPostgresGetDayNotFoundKinds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateBatch(ctx, Batch{Name: "Batch-1", Slug: "batch-1"})
	require.NoError(t, err)

	_, err = s.GetDay(ctx, "nonexistent-batch", "day-1")
	assert.ErrorIs(t, err, ErrBatchNotFound)

	_, err = s.GetDay(ctx, "batch-1", "nonexistent-day")
	assert.ErrorIs(t, err, ErrDayNotFound)

	_, err = s.AppendComment(ctx, "batch-1", "nonexistent-day", Comment{Author: "a", Text: "b"})
	assert.ErrorIs(t, err, ErrDayNotFound)
}

func TestPostgresSessionExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, User{Username: "alice", PasswordHash: "x", Role: "student"})
	require.NoError(t, err)

	record := SessionRecord{UserID: user.ID, Username: user.Username, Role: user.Role}
	require.NoError(t, s.SaveSession(ctx, "live", record, time.Now().Add(time.Hour)))
	require.NoError(t, s.SaveSession(ctx, "stale", record, time.Now().Add(-time.Minute)))

	got, err := s.LookupSession(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	_, err = s.LookupSession(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.DeleteExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
