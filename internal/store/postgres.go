package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const userColumns = `id, username, email, password_hash, COALESCE(external_id, ''), role, created_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.ExternalID, &user.Role, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("read user: %w", err)
	}
	return user, nil
}

// CreateUser inserts user and fills in the generated id and creation time.
// A taken username or external id yields ErrDuplicate.
func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, email, password_hash, external_id, role)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		RETURNING id, created_at
	`, user.Username, user.Email, user.PasswordHash, user.ExternalID, user.Role).Scan(&user.ID, &user.CreatedAt)
	if isUniqueViolation(err) {
		return User{}, ErrDuplicate
	}
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, tokenHash string, record SessionRecord, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, user_id, username, role, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token_hash) DO UPDATE
		SET user_id = EXCLUDED.user_id, username = EXCLUDED.username, role = EXCLUDED.role, expires_at = EXCLUDED.expires_at
	`, tokenHash, record.UserID, record.Username, record.Role, expiresAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LookupSession returns ErrNotFound for unknown and expired sessions alike.
func (s *PostgresStore) LookupSession(ctx context.Context, tokenHash string) (SessionRecord, error) {
	var record SessionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, role, created_at
		FROM sessions
		WHERE token_hash = $1 AND expires_at > NOW()
	`, tokenHash).Scan(&record.UserID, &record.Username, &record.Role, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("lookup session: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, tokenHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions prunes rows LookupSession would no longer return.
func (s *PostgresStore) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context) ([]BatchSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.name, b.slug, COUNT(d.id)
		FROM batches b
		LEFT JOIN days d ON d.batch_id = b.id
		GROUP BY b.id
		ORDER BY b.position, b.id
	`)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	batches := []BatchSummary{}
	for rows.Next() {
		var item BatchSummary
		if err := rows.Scan(&item.ID, &item.Name, &item.Slug, &item.DayCount); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return batches, nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, slug string) (Batch, error) {
	var batch Batch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, position, created_at FROM batches WHERE slug = $1
	`, slug).Scan(&batch.ID, &batch.Name, &batch.Slug, &batch.Position, &batch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Batch{}, ErrBatchNotFound
	}
	if err != nil {
		return Batch{}, fmt.Errorf("get batch: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.slug, d.title, d.content, d.zoom_id, d.doc_id, d.position
		FROM days d
		JOIN batches b ON b.id = d.batch_id
		WHERE b.slug = $1
		ORDER BY d.position, d.id
	`, slug)
	if err != nil {
		return Batch{}, fmt.Errorf("list days: %w", err)
	}
	defer rows.Close()

	batch.Days = []Day{}
	for rows.Next() {
		var day Day
		if err := rows.Scan(&day.ID, &day.Slug, &day.Title, &day.Content, &day.ZoomID, &day.DocID, &day.Position); err != nil {
			return Batch{}, fmt.Errorf("scan day: %w", err)
		}
		batch.Days = append(batch.Days, day)
	}
	if err := rows.Err(); err != nil {
		return Batch{}, fmt.Errorf("list days: %w", err)
	}
	return batch, nil
}

// GetDay resolves both slugs in one query so a missing batch and a missing
// day within an existing batch are reported as different errors.
func (s *PostgresStore) GetDay(ctx context.Context, batchSlug, daySlug string) (Day, error) {
	var (
		batchID              int64
		dayID, position      sql.NullInt64
		slug, title, content sql.NullString
		zoomID, docID        sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT b.id, d.id, d.slug, d.title, d.content, d.zoom_id, d.doc_id, d.position
		FROM batches b
		LEFT JOIN days d ON d.batch_id = b.id AND d.slug = $2
		WHERE b.slug = $1
	`, batchSlug, daySlug).Scan(&batchID, &dayID, &slug, &title, &content, &zoomID, &docID, &position)
	if errors.Is(err, sql.ErrNoRows) {
		return Day{}, ErrBatchNotFound
	}
	if err != nil {
		return Day{}, fmt.Errorf("get day: %w", err)
	}
	if !dayID.Valid {
		return Day{}, ErrDayNotFound
	}

	day := Day{
		ID:       strconv.FormatInt(dayID.Int64, 10),
		Slug:     slug.String,
		Title:    title.String,
		Content:  content.String,
		ZoomID:   zoomID.String,
		DocID:    docID.String,
		Position: int(position.Int64),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author, body, created_at
		FROM comments
		WHERE day_id = $1
		ORDER BY id
	`, dayID.Int64)
	if err != nil {
		return Day{}, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	day.Comments = []Comment{}
	for rows.Next() {
		var comment Comment
		if err := rows.Scan(&comment.ID, &comment.Author, &comment.Text, &comment.CreatedAt); err != nil {
			return Day{}, fmt.Errorf("scan comment: %w", err)
		}
		day.Comments = append(day.Comments, comment)
	}
	if err := rows.Err(); err != nil {
		return Day{}, fmt.Errorf("list comments: %w", err)
	}
	return day, nil
}

// AppendComment adds comment to the day in a single statement. The insert
// only happens when both slugs match, so concurrent appends never overwrite
// each other and no lock is held between lookup and write.
func (s *PostgresStore) AppendComment(ctx context.Context, batchSlug, daySlug string, comment Comment) (Comment, error) {
	var (
		batchExists bool
		id          sql.NullString
		createdAt   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		WITH target_batch AS (
			SELECT id FROM batches WHERE slug = $1
		), target_day AS (
			SELECT d.id FROM days d JOIN target_batch b ON d.batch_id = b.id WHERE d.slug = $2
		), inserted AS (
			INSERT INTO comments (day_id, author, body)
			SELECT id, $3, $4 FROM target_day
			RETURNING id, created_at
		)
		SELECT
			EXISTS (SELECT 1 FROM target_batch),
			(SELECT id FROM inserted),
			(SELECT created_at FROM inserted)
	`, batchSlug, daySlug, comment.Author, comment.Text).Scan(&batchExists, &id, &createdAt)
	if err != nil {
		return Comment{}, fmt.Errorf("append comment: %w", err)
	}
	if !batchExists {
		return Comment{}, ErrBatchNotFound
	}
	if !id.Valid {
		return Comment{}, ErrDayNotFound
	}
	comment.ID = id.String
	comment.CreatedAt = createdAt.Time
	return comment, nil
}

func (s *PostgresStore) CreateBatch(ctx context.Context, batch Batch) (Batch, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO batches (name, slug, position)
		VALUES ($1, $2, COALESCE((SELECT MAX(position) + 1 FROM batches), 0))
		RETURNING id, position, created_at
	`, batch.Name, batch.Slug).Scan(&batch.ID, &batch.Position, &batch.CreatedAt)
	if isUniqueViolation(err) {
		return Batch{}, ErrDuplicate
	}
	if err != nil {
		return Batch{}, fmt.Errorf("insert batch: %w", err)
	}
	batch.Days = []Day{}
	return batch, nil
}

// AddDay appends day to the end of the batch's schedule.
func (s *PostgresStore) AddDay(ctx context.Context, batchSlug string, day Day) (Day, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO days (batch_id, slug, title, content, zoom_id, doc_id, position)
		SELECT b.id, $2, $3, $4, $5, $6, COALESCE((SELECT MAX(position) + 1 FROM days WHERE batch_id = b.id), 0)
		FROM batches b
		WHERE b.slug = $1
		RETURNING id, position
	`, batchSlug, day.Slug, day.Title, day.Content, day.ZoomID, day.DocID).Scan(&day.ID, &day.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return Day{}, ErrBatchNotFound
	}
	if isUniqueViolation(err) {
		return Day{}, ErrDuplicate
	}
	if err != nil {
		return Day{}, fmt.Errorf("insert day: %w", err)
	}
	day.Comments = []Comment{}
	return day, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
