package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"cohortportal/web/internal/authpw"
	"cohortportal/web/internal/config"
	"cohortportal/web/internal/logger"
	"cohortportal/web/internal/store"
	"cohortportal/web/internal/views"
)

// fakeContent is an in-memory ContentStore guarded by one mutex.
type fakeContent struct {
	mu      sync.Mutex
	batches []*store.Batch
	nextID  int
	pingErr error
	failErr error
}

func (f *fakeContent) id() string {
	f.nextID++
	return strconv.Itoa(f.nextID)
}

func (f *fakeContent) find(slug string) *store.Batch {
	for _, b := range f.batches {
		if b.Slug == slug {
			return b
		}
	}
	return nil
}

func (f *fakeContent) ListBatches(ctx context.Context) ([]store.BatchSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	var out []store.BatchSummary
	for _, b := range f.batches {
		out = append(out, store.BatchSummary{ID: b.ID, Name: b.Name, Slug: b.Slug, DayCount: len(b.Days)})
	}
	return out, nil
}

func (f *fakeContent) GetBatch(ctx context.Context, slug string) (store.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return store.Batch{}, f.failErr
	}
	b := f.find(slug)
	if b == nil {
		return store.Batch{}, store.ErrBatchNotFound
	}
	out := *b
	out.Days = make([]store.Day, len(b.Days))
	for i, d := range b.Days {
		d.Comments = nil
		out.Days[i] = d
	}
	return out, nil
}

func (f *fakeContent) GetDay(ctx context.Context, batchSlug, daySlug string) (store.Day, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return store.Day{}, f.failErr
	}
	b := f.find(batchSlug)
	if b == nil {
		return store.Day{}, store.ErrBatchNotFound
	}
	for _, d := range b.Days {
		if d.Slug == daySlug {
			d.Comments = append([]store.Comment{}, d.Comments...)
			return d, nil
		}
	}
	return store.Day{}, store.ErrDayNotFound
}

func (f *fakeContent) AppendComment(ctx context.Context, batchSlug, daySlug string, comment store.Comment) (store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return store.Comment{}, f.failErr
	}
	b := f.find(batchSlug)
	if b == nil {
		return store.Comment{}, store.ErrBatchNotFound
	}
	for i := range b.Days {
		if b.Days[i].Slug == daySlug {
			comment.ID = f.id()
			comment.CreatedAt = time.Now().UTC()
			b.Days[i].Comments = append(b.Days[i].Comments, comment)
			return comment, nil
		}
	}
	return store.Comment{}, store.ErrDayNotFound
}

func (f *fakeContent) CreateBatch(ctx context.Context, batch store.Batch) (store.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.find(batch.Slug) != nil {
		return store.Batch{}, store.ErrDuplicate
	}
	batch.ID = f.id()
	batch.Position = len(f.batches)
	batch.CreatedAt = time.Now().UTC()
	batch.Days = []store.Day{}
	f.batches = append(f.batches, &batch)
	return batch, nil
}

func (f *fakeContent) AddDay(ctx context.Context, batchSlug string, day store.Day) (store.Day, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.find(batchSlug)
	if b == nil {
		return store.Day{}, store.ErrBatchNotFound
	}
	for _, d := range b.Days {
		if d.Slug == day.Slug {
			return store.Day{}, store.ErrDuplicate
		}
	}
	day.ID = f.id()
	day.Position = len(b.Days)
	day.Comments = []store.Comment{}
	b.Days = append(b.Days, day)
	return day, nil
}

func (f *fakeContent) Ping(ctx context.Context) error {
	return f.pingErr
}

func (f *fakeContent) commentCount(batchSlug, daySlug string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b := f.find(batchSlug); b != nil {
		for _, d := range b.Days {
			if d.Slug == daySlug {
				return len(d.Comments)
			}
		}
	}
	return 0
}

type fakeSession struct {
	record    store.SessionRecord
	expiresAt time.Time
}

type fakeSessions struct {
	mu      sync.Mutex
	records map[string]fakeSession
	pingErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{records: make(map[string]fakeSession)}
}

func (f *fakeSessions) SaveSession(ctx context.Context, tokenHash string, record store.SessionRecord, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[tokenHash] = fakeSession{record: record, expiresAt: expiresAt}
	return nil
}

func (f *fakeSessions) LookupSession(ctx context.Context, tokenHash string) (store.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.records[tokenHash]
	if !ok || !time.Now().Before(s.expiresAt) {
		return store.SessionRecord{}, store.ErrNotFound
	}
	return s.record, nil
}

func (f *fakeSessions) DeleteSession(ctx context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, tokenHash)
	return nil
}

func (f *fakeSessions) Ping(ctx context.Context) error {
	return f.pingErr
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]store.User
}

func (f *fakeUsers) CreateUser(ctx context.Context, user store.User) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[user.Username]; ok {
		return store.User{}, store.ErrDuplicate
	}
	user.ID = "user-" + user.Username
	user.CreatedAt = time.Now()
	f.users[user.Username] = user
	return user, nil
}

func (f *fakeUsers) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[username]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeUsers) CountUsers(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users), nil
}

type sentMail struct {
	to, userName, loginURL string
}

type fakeMailer struct {
	mu         sync.Mutex
	configured bool
	err        error
	sent       []sentMail
}

func (f *fakeMailer) IsConfigured() bool {
	return f.configured
}

func (f *fakeMailer) SendWelcomeEmail(to, userName, loginURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{to: to, userName: userName, loginURL: loginURL})
	return f.err
}

type testEnv struct {
	svc      *Service
	handler  http.Handler
	content  *fakeContent
	sessions *fakeSessions
	users    *fakeUsers
	mailer   *fakeMailer
}

func testConfig() config.Config {
	return config.Config{
		BaseURL: "http://portal.test",
		Session: config.Session{Secret: "test-secret", TTL: time.Hour},
	}
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}

	env := &testEnv{
		content:  &fakeContent{},
		sessions: newFakeSessions(),
		users:    &fakeUsers{users: make(map[string]store.User)},
		mailer:   &fakeMailer{},
	}
	credentials := authpw.NewService(env.users, bcrypt.MinCost)
	env.svc = New(cfg, env.content, env.sessions, credentials, env.mailer, logger.NewNop())

	renderer, err := views.New()
	if err != nil {
		t.Fatalf("views: %v", err)
	}
	env.handler = NewHTTPServer(env.svc, renderer, logger.NewNop()).Handler()
	return env
}

// seedCourse adds batch-1 with day-1 carrying a zoom and a doc id.
func (e *testEnv) seedCourse(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.content.CreateBatch(ctx, store.Batch{Name: "Batch-1", Slug: "batch-1"}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	_, err := e.content.AddDay(ctx, "batch-1", store.Day{
		Slug: "day-1", Title: "Walking through", Content: "Teaching", ZoomID: "81234567890", DocID: "1AbC-dEf_g",
	})
	if err != nil {
		t.Fatalf("seed day: %v", err)
	}
}

func (e *testEnv) addUser(t *testing.T, username, password, role string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if _, err := e.users.CreateUser(context.Background(), store.User{Username: username, PasswordHash: string(hash), Role: role}); err != nil {
		t.Fatalf("add user: %v", err)
	}
}

func (e *testEnv) do(req *http.Request, cookie *http.Cookie) *httptest.ResponseRecorder {
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) get(path string, cookie *http.Cookie) *httptest.ResponseRecorder {
	return e.do(httptest.NewRequest(http.MethodGet, path, nil), cookie)
}

func (e *testEnv) postForm(path string, form url.Values, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req, cookie)
}

// login signs in and returns the session cookie, failing the test otherwise.
func (e *testEnv) login(t *testing.T, username, password string) *http.Cookie {
	t.Helper()
	rr := e.postForm("/login", url.Values{"username": {username}, "password": {password}}, nil)
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("login %s: expected 303, got %d body=%s", username, rr.Code, rr.Body.String())
	}
	cookie := sessionCookieFrom(rr)
	if cookie == nil || cookie.Value == "" {
		t.Fatalf("login %s: no session cookie", username)
	}
	return cookie
}

func sessionCookieFrom(rr *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	return nil
}

var errBoom = errors.New("boom")
