package docstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"cohortportal/web/internal/store"
)

func TestToBatchOrdersDaysByArrayIndex(t *testing.T) {
	id := primitive.NewObjectID()
	doc := batchDocument{
		ID:   id,
		Name: "Batch-1",
		Slug: "batch-1",
		Days: []dayDocument{
			{ID: primitive.NewObjectID(), Slug: "day-1", Title: "Walking through"},
			{ID: primitive.NewObjectID(), Slug: "day-2", Title: "Loops", ZoomID: "123"},
		},
	}

	batch := toBatch(doc)
	assert.Equal(t, id.Hex(), batch.ID)
	require.Len(t, batch.Days, 2)
	assert.Equal(t, 0, batch.Days[0].Position)
	assert.Equal(t, 1, batch.Days[1].Position)
	assert.Equal(t, "123", batch.Days[1].ZoomID)
	assert.Nil(t, batch.Days[0].Comments)
}

func TestToDayKeepsCommentOrder(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	doc := dayDocument{
		ID:   primitive.NewObjectID(),
		Slug: "day-1",
		Comments: []commentDocument{
			{ID: primitive.NewObjectID(), Author: "alice", Text: "hi", CreatedAt: at},
			{ID: primitive.NewObjectID(), Author: "bob", Text: "yo", CreatedAt: at},
		},
	}

	day := toDay(doc, 3, true)
	assert.Equal(t, 3, day.Position)
	require.Len(t, day.Comments, 2)
	assert.Equal(t, "hi", day.Comments[0].Text)
	assert.Equal(t, "yo", day.Comments[1].Text)
}

func TestToDayWithoutCommentsIsEmptyNotNil(t *testing.T) {
	day := toDay(dayDocument{ID: primitive.NewObjectID(), Slug: "day-1"}, 0, true)
	assert.NotNil(t, day.Comments)
	assert.Empty(t, day.Comments)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MONGO_URL")
	if uri == "" {
		t.Skip("MONGO_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	database := fmt.Sprintf("portal_test_%d", time.Now().UnixNano())
	s, err := Connect(ctx, uri, database)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.client.Database(database).Drop(ctx)
		_ = s.Close(ctx)
	})
	return s
}

func TestMongoConcurrentAppendsKeepEveryComment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateBatch(ctx, store.Batch{Name: "Batch-1", Slug: "batch-1"})
	require.NoError(t, err)
	_, err = s.AddDay(ctx, "batch-1", store.Day{Slug: "day-1", Title: "Walking through"})
	require.NoError(t, err)

	const writers = 25
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendComment(ctx, "batch-1", "day-1", store.Comment{
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

func TestMongoNotFoundKinds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateBatch(ctx, store.Batch{Name: "Batch-1", Slug: "batch-1"})
	require.NoError(t, err)

	_, err = s.GetBatch(ctx, "nonexistent-batch")
	assert.ErrorIs(t, err, store.ErrBatchNotFound)

	_, err = s.GetDay(ctx, "nonexistent-batch", "day-1")
	assert.ErrorIs(t, err, store.ErrBatchNotFound)

	_, err = s.GetDay(ctx, "batch-1", "nonexistent-day")
	assert.ErrorIs(t, err, store.ErrDayNotFound)

	_, err = s.AppendComment(ctx, "nonexistent-batch", "day-1", store.Comment{Author: "a", Text: "b"})
	assert.ErrorIs(t, err, store.ErrBatchNotFound)

	_, err = s.AppendComment(ctx, "batch-1", "nonexistent-day", store.Comment{Author: "a", Text: "b"})
	assert.ErrorIs(t, err, store.ErrDayNotFound)
}

func TestMongoSlugUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateBatch(ctx, store.Batch{Name: "Batch-1", Slug: "batch-1"})
	require.NoError(t, err)
	_, err = s.CreateBatch(ctx, store.Batch{Name: "Batch One", Slug: "batch-1"})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	first, err := s.AddDay(ctx, "batch-1", store.Day{Slug: "day-1"})
	require.NoError(t, err)
	assert.Equal(t, 0, first.Position)

	second, err := s.AddDay(ctx, "batch-1", store.Day{Slug: "day-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Position)

	_, err = s.AddDay(ctx, "batch-1", store.Day{Slug: "day-1"})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	_, err = s.AddDay(ctx, "nope", store.Day{Slug: "day-1"})
	assert.ErrorIs(t, err, store.ErrBatchNotFound)

	batches, err := s.ListBatches(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 2, batches[0].DayCount)
}
