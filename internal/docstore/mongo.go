// Package docstore keeps course content in MongoDB, one document per batch
// with its days and their comments embedded.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"cohortportal/web/internal/store"
)

const batchesCollection = "batches"

type batchDocument struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Name      string             `bson:"name"`
	Slug      string             `bson:"slug"`
	Position  int                `bson:"position"`
	CreatedAt time.Time          `bson:"created_at"`
	Days      []dayDocument      `bson:"days"`
}

type dayDocument struct {
	ID       primitive.ObjectID `bson:"id"`
	Slug     string             `bson:"slug"`
	Title    string             `bson:"title"`
	Content  string             `bson:"content"`
	ZoomID   string             `bson:"zoom_id,omitempty"`
	DocID    string             `bson:"doc_id,omitempty"`
	Comments []commentDocument  `bson:"comments"`
}

type commentDocument struct {
	ID        primitive.ObjectID `bson:"id"`
	Author    string             `bson:"author"`
	Text      string             `bson:"text"`
	CreatedAt time.Time          `bson:"created_at"`
}

// Store implements the content repository on a MongoDB collection.
type Store struct {
	client  *mongo.Client
	batches *mongo.Collection
	now     func() time.Time
}

// Connect dials uri, checks the primary is reachable and makes sure the
// slug index exists.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := New(client, database)
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func New(client *mongo.Client, database string) *Store {
	return &Store{
		client:  client,
		batches: client.Database(database).Collection(batchesCollection),
		now:     time.Now,
	}
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.batches.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "slug", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("batches_slug_unique"),
	})
	if err != nil {
		return fmt.Errorf("create slug index: %w", err)
	}
	return nil
}

func (s *Store) ListBatches(ctx context.Context) ([]store.BatchSummary, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "position", Value: 1}, {Key: "_id", Value: 1}}).
		SetProjection(bson.M{"name": 1, "slug": 1, "days.slug": 1})

	cursor, err := s.batches.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer cursor.Close(ctx)

	batches := []store.BatchSummary{}
	for cursor.Next(ctx) {
		var doc batchDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
		batches = append(batches, store.BatchSummary{
			ID:       doc.ID.Hex(),
			Name:     doc.Name,
			Slug:     doc.Slug,
			DayCount: len(doc.Days),
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return batches, nil
}

func (s *Store) GetBatch(ctx context.Context, slug string) (store.Batch, error) {
	var doc batchDocument
	opts := options.FindOne().SetProjection(bson.M{"days.comments": 0})
	err := s.batches.FindOne(ctx, bson.M{"slug": slug}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Batch{}, store.ErrBatchNotFound
	}
	if err != nil {
		return store.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	return toBatch(doc), nil
}

// GetDay fetches the batch with only the matching day projected, so one
// round trip tells a missing batch apart from a missing day.
func (s *Store) GetDay(ctx context.Context, batchSlug, daySlug string) (store.Day, error) {
	var doc batchDocument
	opts := options.FindOne().SetProjection(bson.M{
		"_id":  1,
		"days": bson.M{"$elemMatch": bson.M{"slug": daySlug}},
	})
	err := s.batches.FindOne(ctx, bson.M{"slug": batchSlug}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Day{}, store.ErrBatchNotFound
	}
	if err != nil {
		return store.Day{}, fmt.Errorf("get day: %w", err)
	}
	if len(doc.Days) == 0 {
		return store.Day{}, store.ErrDayNotFound
	}

	// $elemMatch drops the array index, so look the position up separately.
	position, err := s.dayPosition(ctx, batchSlug, daySlug)
	if err != nil {
		return store.Day{}, err
	}
	return toDay(doc.Days[0], position, true), nil
}

func (s *Store) dayPosition(ctx context.Context, batchSlug, daySlug string) (int, error) {
	var doc batchDocument
	opts := options.FindOne().SetProjection(bson.M{"days.slug": 1})
	if err := s.batches.FindOne(ctx, bson.M{"slug": batchSlug}, opts).Decode(&doc); err != nil {
		return 0, fmt.Errorf("get day position: %w", err)
	}
	for i, day := range doc.Days {
		if day.Slug == daySlug {
			return i, nil
		}
	}
	return 0, store.ErrDayNotFound
}

// AppendComment pushes comment onto the day's comment array with a single
// update. The server applies the push atomically, so concurrent appends to
// the same day all land. Matched and modified counts identify which slug
// was missing.
func (s *Store) AppendComment(ctx context.Context, batchSlug, daySlug string, comment store.Comment) (store.Comment, error) {
	doc := commentDocument{
		ID:        primitive.NewObjectID(),
		Author:    comment.Author,
		Text:      comment.Text,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}

	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{bson.M{"d.slug": daySlug}},
	})
	res, err := s.batches.UpdateOne(ctx,
		bson.M{"slug": batchSlug},
		bson.M{"$push": bson.M{"days.$[d].comments": doc}},
		opts,
	)
	if err != nil {
		return store.Comment{}, fmt.Errorf("append comment: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.Comment{}, store.ErrBatchNotFound
	}
	if res.ModifiedCount == 0 {
		return store.Comment{}, store.ErrDayNotFound
	}
	return toComment(doc), nil
}

func (s *Store) CreateBatch(ctx context.Context, batch store.Batch) (store.Batch, error) {
	position, err := s.batches.CountDocuments(ctx, bson.M{})
	if err != nil {
		return store.Batch{}, fmt.Errorf("count batches: %w", err)
	}

	doc := batchDocument{
		Name:      batch.Name,
		Slug:      batch.Slug,
		Position:  int(position),
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
		Days:      []dayDocument{},
	}
	res, err := s.batches.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return store.Batch{}, store.ErrDuplicate
	}
	if err != nil {
		return store.Batch{}, fmt.Errorf("insert batch: %w", err)
	}
	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		doc.ID = id
	}
	return toBatch(doc), nil
}

// AddDay appends day to the batch unless a day with the same slug is
// already there. The slug check and the push are one conditional update.
func (s *Store) AddDay(ctx context.Context, batchSlug string, day store.Day) (store.Day, error) {
	doc := dayDocument{
		ID:       primitive.NewObjectID(),
		Slug:     day.Slug,
		Title:    day.Title,
		Content:  day.Content,
		ZoomID:   day.ZoomID,
		DocID:    day.DocID,
		Comments: []commentDocument{},
	}

	var updated batchDocument
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"days.slug": 1})
	err := s.batches.FindOneAndUpdate(ctx,
		bson.M{"slug": batchSlug, "days.slug": bson.M{"$ne": day.Slug}},
		bson.M{"$push": bson.M{"days": doc}},
		opts,
	).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, countErr := s.batches.CountDocuments(ctx, bson.M{"slug": batchSlug})
		if countErr != nil {
			return store.Day{}, fmt.Errorf("add day: %w", countErr)
		}
		if n == 0 {
			return store.Day{}, store.ErrBatchNotFound
		}
		return store.Day{}, store.ErrDuplicate
	}
	if err != nil {
		return store.Day{}, fmt.Errorf("add day: %w", err)
	}
	return toDay(doc, len(updated.Days)-1, true), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func toBatch(doc batchDocument) store.Batch {
	batch := store.Batch{
		ID:        doc.ID.Hex(),
		Name:      doc.Name,
		Slug:      doc.Slug,
		Position:  doc.Position,
		CreatedAt: doc.CreatedAt,
		Days:      make([]store.Day, 0, len(doc.Days)),
	}
	for i, day := range doc.Days {
		batch.Days = append(batch.Days, toDay(day, i, false))
	}
	return batch
}

// toDay converts an embedded day; a day's position is its array index.
func toDay(doc dayDocument, position int, withComments bool) store.Day {
	day := store.Day{
		ID:       doc.ID.Hex(),
		Slug:     doc.Slug,
		Title:    doc.Title,
		Content:  doc.Content,
		ZoomID:   doc.ZoomID,
		DocID:    doc.DocID,
		Position: position,
	}
	if withComments {
		day.Comments = make([]store.Comment, 0, len(doc.Comments))
		for _, c := range doc.Comments {
			day.Comments = append(day.Comments, toComment(c))
		}
	}
	return day
}

func toComment(doc commentDocument) store.Comment {
	return store.Comment{
		ID:        doc.ID.Hex(),
		Author:    doc.Author,
		Text:      doc.Text,
		CreatedAt: doc.CreatedAt,
	}
}
