package app

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"cohortportal/web/internal/auth"
	"cohortportal/web/internal/authpw"
	"cohortportal/web/internal/config"
	"cohortportal/web/internal/logger"
	"cohortportal/web/internal/rbac"
	"cohortportal/web/internal/store"
	"cohortportal/web/internal/util"
)

const (
	maxCommentLength = 2000
	maxNameLength    = 100
	maxTitleLength   = 200
	maxContentLength = 20000

	zoomBaseURL = "https://us05web.zoom.us/j/"
	docURLFmt   = "https://drive.google.com/file/d/%s/view?usp=sharing"
)

var externalIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Session is a resolved login session.
type Session struct {
	ID        string
	Token     string
	UserID    string
	Username  string
	Role      string
	ExpiresAt time.Time
}

// ContentStore is the Batch → Day → Comment repository. AppendComment must
// be a single atomic write so concurrent appends to one day all persist.
type ContentStore interface {
	ListBatches(ctx context.Context) ([]store.BatchSummary, error)
	GetBatch(ctx context.Context, slug string) (store.Batch, error)
	GetDay(ctx context.Context, batchSlug, daySlug string) (store.Day, error)
	AppendComment(ctx context.Context, batchSlug, daySlug string, comment store.Comment) (store.Comment, error)
	CreateBatch(ctx context.Context, batch store.Batch) (store.Batch, error)
	AddDay(ctx context.Context, batchSlug string, day store.Day) (store.Day, error)
	Ping(ctx context.Context) error
}

// SessionStore maps hashed session ids to session records until expiry.
type SessionStore interface {
	SaveSession(ctx context.Context, tokenHash string, record store.SessionRecord, expiresAt time.Time) error
	LookupSession(ctx context.Context, tokenHash string) (store.SessionRecord, error)
	DeleteSession(ctx context.Context, tokenHash string) error
}

type Credentials interface {
	Register(ctx context.Context, req authpw.RegisterRequest) (store.User, error)
	Authenticate(ctx context.Context, username, password string) (store.User, error)
	HasUsers(ctx context.Context) (bool, error)
}

type Mailer interface {
	IsConfigured() bool
	SendWelcomeEmail(to, userName, loginURL string) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	cfg         config.Config
	content     ContentStore
	sessions    SessionStore
	credentials Credentials
	mailer      Mailer
	log         *logger.Logger
	now         func() time.Time
}

func New(cfg config.Config, content ContentStore, sessions SessionStore, credentials Credentials, mailer Mailer, log *logger.Logger) *Service {
	return &Service{
		cfg:         cfg,
		content:     content,
		sessions:    sessions,
		credentials: credentials,
		mailer:      mailer,
		log:         log,
		now:         time.Now,
	}
}

// Bootstrap seeds a demo batch when SEED_DEMO is set and no batch exists.
func (s *Service) Bootstrap(ctx context.Context) error {
	if !s.cfg.SeedDemo {
		return nil
	}
	batches, err := s.content.ListBatches(ctx)
	if err != nil {
		return err
	}
	if len(batches) > 0 {
		return nil
	}

	if _, err := s.content.CreateBatch(ctx, store.Batch{Name: "Batch-1", Slug: "batch-1"}); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("seed batch: %w", err)
	}
	_, err = s.content.AddDay(ctx, "batch-1", store.Day{Slug: "day-1", Title: "Walking through", Content: "Teaching"})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("seed day: %w", err)
	}
	s.log.Info("seeded demo content", "batch", "batch-1")
	return nil
}

// Login checks the credentials and opens a session. Failed logins never
// create a session.
func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.credentials.Authenticate(ctx, username, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.Session.TTL)
	sessionID := util.NewID("sess")
	role := string(rbac.Normalize(user.Role))

	record := store.SessionRecord{
		UserID:    user.ID,
		Username:  user.Username,
		Role:      role,
		CreatedAt: now,
	}
	if err := s.sessions.SaveSession(ctx, auth.HashToken(sessionID), record, expiresAt); err != nil {
		return Session{}, err
	}

	token, err := auth.IssueToken([]byte(s.cfg.Session.Secret), auth.NewClaims(sessionID, user.ID, user.Username, role, now, s.cfg.Session.TTL))
	if err != nil {
		return Session{}, err
	}

	return Session{
		ID:        sessionID,
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		Role:      role,
		ExpiresAt: expiresAt,
	}, nil
}

// SessionFromToken resolves a cookie value. Tokens whose server-side session
// is gone (logged out or expired) are reported as auth.ErrInvalidToken.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.Session.Secret), token)
	if err != nil {
		return Session{}, err
	}

	record, err := s.sessions.LookupSession(ctx, auth.HashToken(claims.ID))
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if record.UserID != claims.Subject {
		return Session{}, auth.ErrInvalidToken
	}

	session := Session{
		ID:       claims.ID,
		Token:    token,
		UserID:   record.UserID,
		Username: record.Username,
		Role:     string(rbac.Normalize(record.Role)),
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// Logout removes the session behind token. Unknown, expired or malformed
// tokens are not an error, so logging out twice succeeds.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	claims, err := auth.ParseToken([]byte(s.cfg.Session.Secret), token)
	if err != nil {
		return nil
	}
	return s.sessions.DeleteSession(ctx, auth.HashToken(claims.ID))
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// RegistrationAccess reports whether the caller may register accounts and
// whether this would be the bootstrap account. Until the first account
// exists registration is open; afterwards only admins may register users.
func (s *Service) RegistrationAccess(ctx context.Context, session *Session) (allowed, bootstrap bool, err error) {
	hasUsers, err := s.credentials.HasUsers(ctx)
	if err != nil {
		return false, false, err
	}
	if !hasUsers {
		return true, true, nil
	}
	if session != nil && s.Can(session.Role, rbac.ActionManageUsers) {
		return true, false, nil
	}
	return false, false, nil
}

// Register creates an account. The bootstrap account is always an admin.
func (s *Service) Register(ctx context.Context, session *Session, req authpw.RegisterRequest) (store.User, bool, error) {
	allowed, bootstrap, err := s.RegistrationAccess(ctx, session)
	if err != nil {
		return store.User{}, false, err
	}
	if !allowed {
		return store.User{}, false, errForbidden
	}
	if bootstrap {
		req.Role = string(rbac.RoleAdmin)
	}

	user, err := s.credentials.Register(ctx, req)
	if err != nil {
		return store.User{}, false, err
	}
	s.log.Info("user registered", "user_id", user.ID, "username", user.Username, "role", user.Role, "bootstrap", bootstrap)

	if user.Email != "" && s.mailer != nil && s.mailer.IsConfigured() {
		loginURL := strings.TrimRight(s.cfg.BaseURL, "/") + "/login"
		if err := s.mailer.SendWelcomeEmail(user.Email, user.Username, loginURL); err != nil {
			s.log.Warn("welcome email failed", "user_id", user.ID, "error", err)
		}
	}
	return user, bootstrap, nil
}

// StartSession opens a session for an already verified user, e.g. right
// after the bootstrap registration.
func (s *Service) StartSession(ctx context.Context, user store.User) (Session, error) {
	return s.issueSession(ctx, user)
}

func (s *Service) ListBatches(ctx context.Context) ([]store.BatchSummary, error) {
	batches, err := s.content.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	if batches == nil {
		batches = []store.BatchSummary{}
	}
	return batches, nil
}

func (s *Service) GetBatch(ctx context.Context, batchSlug string) (store.Batch, error) {
	slug := store.NormalizeSlug(batchSlug)
	if !store.ValidSlug(slug) {
		s.logMiss("batch", batchSlug, "")
		return store.Batch{}, store.ErrBatchNotFound
	}
	batch, err := s.content.GetBatch(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		s.logMiss("batch", slug, "")
	}
	return batch, err
}

// GetDay returns the day with its comments; a missing batch and a missing
// day are reported as store.ErrBatchNotFound and store.ErrDayNotFound.
func (s *Service) GetDay(ctx context.Context, batchSlug, daySlug string) (store.Day, error) {
	batch, day, err := s.normalizePair(ctx, batchSlug, daySlug)
	if err != nil {
		return store.Day{}, err
	}
	result, err := s.content.GetDay(ctx, batch, day)
	s.logLookup(err, batch, day)
	return result, err
}

// AddComment appends text as a comment by the session's user. The append
// is one atomic store operation; nothing is read back and rewritten.
func (s *Service) AddComment(ctx context.Context, session Session, batchSlug, daySlug, text string) (store.Comment, error) {
	if !s.Can(session.Role, rbac.ActionComment) {
		return store.Comment{}, errForbidden
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return store.Comment{}, validationError("Comment cannot be empty")
	}
	if utf8.RuneCountInString(text) > maxCommentLength {
		return store.Comment{}, validationError(fmt.Sprintf("Comment must be at most %d characters", maxCommentLength))
	}

	batch, day, err := s.normalizePair(ctx, batchSlug, daySlug)
	if err != nil {
		return store.Comment{}, err
	}
	comment, err := s.content.AppendComment(ctx, batch, day, store.Comment{
		Author: session.Username,
		Text:   text,
	})
	s.logLookup(err, batch, day)
	if err != nil {
		return store.Comment{}, err
	}
	return comment, nil
}

func (s *Service) CreateBatch(ctx context.Context, session Session, name, slug string) (store.Batch, error) {
	if !s.Can(session.Role, rbac.ActionManageContent) {
		return store.Batch{}, errForbidden
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Batch{}, validationError("Batch name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return store.Batch{}, validationError(fmt.Sprintf("Batch name must be at most %d characters", maxNameLength))
	}
	if strings.TrimSpace(slug) == "" {
		slug = name
	}
	slug = store.NormalizeSlug(slug)
	if !store.ValidSlug(slug) {
		return store.Batch{}, validationError("Slug must be 1-64 letters, digits or dashes")
	}

	batch, err := s.content.CreateBatch(ctx, store.Batch{Name: name, Slug: slug})
	if err != nil {
		return store.Batch{}, err
	}
	s.log.Info("batch created", "batch", batch.Slug, "by", session.Username)
	return batch, nil
}

type DayInput struct {
	Slug    string
	Title   string
	Content string
	ZoomID  string
	DocID   string
}

func (s *Service) AddDay(ctx context.Context, session Session, batchSlug string, input DayInput) (store.Day, error) {
	if !s.Can(session.Role, rbac.ActionManageContent) {
		return store.Day{}, errForbidden
	}

	daySlug := store.NormalizeSlug(input.Slug)
	if !store.ValidSlug(daySlug) {
		return store.Day{}, validationError("Day label must be 1-64 letters, digits or dashes")
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Day{}, validationError("Title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return store.Day{}, validationError(fmt.Sprintf("Title must be at most %d characters", maxTitleLength))
	}
	if utf8.RuneCountInString(input.Content) > maxContentLength {
		return store.Day{}, validationError(fmt.Sprintf("Content must be at most %d characters", maxContentLength))
	}
	zoomID := strings.TrimSpace(input.ZoomID)
	if zoomID != "" && !externalIDPattern.MatchString(zoomID) {
		return store.Day{}, validationError("Zoom meeting id may only contain letters, digits, dashes and underscores")
	}
	docID := strings.TrimSpace(input.DocID)
	if docID != "" && !externalIDPattern.MatchString(docID) {
		return store.Day{}, validationError("Drive file id may only contain letters, digits, dashes and underscores")
	}

	batch := store.NormalizeSlug(batchSlug)
	if !store.ValidSlug(batch) {
		return store.Day{}, store.ErrBatchNotFound
	}
	day, err := s.content.AddDay(ctx, batch, store.Day{
		Slug:    daySlug,
		Title:   title,
		Content: input.Content,
		ZoomID:  zoomID,
		DocID:   docID,
	})
	if err != nil {
		return store.Day{}, err
	}
	s.log.Info("day added", "batch", batch, "day", day.Slug, "by", session.Username)
	return day, nil
}

// ZoomURL builds the meeting link for id; ids outside [A-Za-z0-9_-] are
// rejected as not found.
func ZoomURL(id string) (string, error) {
	if !externalIDPattern.MatchString(id) {
		return "", store.ErrNotFound
	}
	return zoomBaseURL + id, nil
}

// DocURL builds the Drive viewer link for id.
func DocURL(id string) (string, error) {
	if !externalIDPattern.MatchString(id) {
		return "", store.ErrNotFound
	}
	return fmt.Sprintf(docURLFmt, id), nil
}

// Ping checks every backing store and returns the failures by name.
func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{
		"content": s.content.Ping(ctx),
	}
	if p, ok := s.sessions.(pinger); ok {
		checks["sessions"] = p.Ping(ctx)
	}
	return checks
}

// normalizePair canonicalizes both slugs. A day slug that can never exist
// still needs the batch checked so the right not-found error is returned.
func (s *Service) normalizePair(ctx context.Context, batchSlug, daySlug string) (string, string, error) {
	batch := store.NormalizeSlug(batchSlug)
	if !store.ValidSlug(batch) {
		s.logMiss("batch", batchSlug, daySlug)
		return "", "", store.ErrBatchNotFound
	}
	day := store.NormalizeSlug(daySlug)
	if !store.ValidSlug(day) {
		if _, err := s.content.GetBatch(ctx, batch); err != nil {
			s.logLookup(err, batch, daySlug)
			return "", "", err
		}
		s.logMiss("day", batch, daySlug)
		return "", "", store.ErrDayNotFound
	}
	return batch, day, nil
}

func (s *Service) logLookup(err error, batch, day string) {
	switch {
	case errors.Is(err, store.ErrBatchNotFound):
		s.logMiss("batch", batch, day)
	case errors.Is(err, store.ErrDayNotFound):
		s.logMiss("day", batch, day)
	}
}

func (s *Service) logMiss(missing, batch, day string) {
	s.log.Info("content not found", "missing", missing, "batch", batch, "day", day)
}
