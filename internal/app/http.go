package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cohortportal/web/internal/auth"
	"cohortportal/web/internal/authpw"
	"cohortportal/web/internal/logger"
	"cohortportal/web/internal/rbac"
	"cohortportal/web/internal/store"
	"cohortportal/web/internal/util"
	"cohortportal/web/internal/views"
)

const (
	sessionCookie = "portal_session"
	maxFormBytes  = 64 << 10
)

// reservedPaths cannot be taken over by the REGISTER_PATH alias.
var reservedPaths = []string{"/", "/login", "/register", "/logout", "/home", "/beginner", "/aboutUs", "/contactUs", "/healthz", "/readyz"}

var reservedPrefixes = []string{"/beginner/", "/admin/", "/static/"}

type HTTPServer struct {
	service *Service
	views   *views.Renderer
	log     *logger.Logger
}

func NewHTTPServer(service *Service, renderer *views.Renderer, log *logger.Logger) *HTTPServer {
	return &HTTPServer{service: service, views: renderer, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleLoginPage)
	mux.HandleFunc("GET /login", s.handleLoginPage)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /register", s.handleRegisterPage)
	mux.HandleFunc("POST /register", s.handleRegister)
	if alias := s.registerAlias(); alias != "" {
		mux.HandleFunc("GET "+alias, s.handleRegisterPage)
		mux.HandleFunc("POST "+alias, s.handleRegister)
	}
	mux.HandleFunc("GET /logout", s.handleLogout)

	mux.HandleFunc("GET /home", s.withSession(s.handleHome))
	mux.HandleFunc("GET /beginner", s.withSession(s.handleBatches))
	mux.HandleFunc("GET /beginner/{batch}", s.withSession(s.handleBatch))
	mux.HandleFunc("GET /beginner/{batch}/{day}", s.withSession(s.handleDay))
	mux.HandleFunc("POST /beginner/{batch}/{day}", s.withSession(s.handleComment))
	mux.HandleFunc("GET /beginner/{batch}/{day}/zoom/{zoom}", s.withSession(s.handleZoom))
	mux.HandleFunc("GET /beginner/{batch}/{day}/doc/{doc}", s.withSession(s.handleDoc))
	mux.HandleFunc("GET /aboutUs", s.withSession(s.staticPage(views.PageAbout, "About us")))
	mux.HandleFunc("GET /contactUs", s.withSession(s.staticPage(views.PageContact, "Contact us")))

	mux.HandleFunc("POST /admin/batches", s.withSession(s.handleCreateBatch))
	mux.HandleFunc("POST /admin/batches/{batch}/days", s.withSession(s.handleAddDay))

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /static/", views.StaticHandler())
	mux.HandleFunc("/", s.handleNotFound)

	return s.withMiddleware(mux)
}

// registerAlias returns REGISTER_PATH when it can be mounted without
// shadowing another route.
func (s *HTTPServer) registerAlias() string {
	alias := strings.TrimRight(s.service.cfg.RegisterPath, "/")
	if alias == "" {
		return ""
	}
	for _, reserved := range reservedPaths {
		if alias == reserved {
			s.log.Warn("REGISTER_PATH ignored: path is reserved", "path", alias)
			return ""
		}
	}
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(alias+"/", prefix) {
			s.log.Warn("REGISTER_PATH ignored: path is reserved", "path", alias)
			return ""
		}
	}
	return alias
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, session Session)

// withSession is the authentication gate: requests without a live session
// are redirected to the login page and never reach next.
func (s *HTTPServer) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.currentSession(r)
		if !ok {
			if _, err := r.Cookie(sessionCookie); err == nil {
				s.clearCookie(w)
			}
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next(w, r, session)
	}
}

// currentSession resolves the session cookie. Lookup failures other than a
// bad or revoked token are logged and treated as signed out.
func (s *HTTPServer) currentSession(r *http.Request) (Session, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || cookie.Value == "" {
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), cookie.Value)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrExpiredToken) {
			s.log.Error("session lookup failed", "request_id", requestID(r.Context()), "error", err)
		}
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) setCookie(w http.ResponseWriter, session Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    session.Token,
		Path:     "/",
		MaxAge:   int(s.service.cfg.Session.TTL / time.Second),
		HttpOnly: true,
		Secure:   s.service.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *HTTPServer) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.service.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *HTTPServer) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.currentSession(r); ok {
		http.Redirect(w, r, "/home", http.StatusSeeOther)
		return
	}
	s.render(w, r, http.StatusOK, views.PageLogin, views.Page{Title: "Sign in"})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}
	username := r.PostFormValue("username")
	session, err := s.service.Login(r.Context(), username, r.PostFormValue("password"))
	if err != nil {
		if !errors.Is(err, authpw.ErrInvalidCredentials) {
			s.renderError(w, r, nil, err)
			return
		}
		s.log.Info("login failed", "request_id", requestID(r.Context()), "username", username)
		s.render(w, r, http.StatusUnauthorized, views.PageLogin, views.Page{
			Title: "Sign in",
			Error: "Invalid username or password",
			Form:  map[string]string{"username": username},
		})
		return
	}

	s.setCookie(w, session)
	http.Redirect(w, r, "/home", http.StatusSeeOther)
}

func (s *HTTPServer) handleRegisterPage(w http.ResponseWriter, r *http.Request) {
	var viewer *Session
	if session, ok := s.currentSession(r); ok {
		viewer = &session
	}
	allowed, _, err := s.service.RegistrationAccess(r.Context(), viewer)
	if err != nil {
		s.renderError(w, r, viewer, err)
		return
	}
	if !allowed {
		s.denyRegistration(w, r, viewer)
		return
	}
	s.renderRegister(w, r, viewer, http.StatusOK, "", nil)
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var viewer *Session
	if session, ok := s.currentSession(r); ok {
		viewer = &session
	}
	if !s.parseForm(w, r) {
		return
	}

	req := authpw.RegisterRequest{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
		Email:    r.PostFormValue("email"),
		Role:     r.PostFormValue("role"),
	}
	user, bootstrap, err := s.service.Register(r.Context(), viewer, req)
	if err != nil {
		if errors.Is(err, errForbidden) {
			s.denyRegistration(w, r, viewer)
			return
		}
		status, _, message := mapError(err)
		if status >= http.StatusInternalServerError {
			s.renderError(w, r, viewer, err)
			return
		}
		s.renderRegister(w, r, viewer, status, message, map[string]string{"username": req.Username, "email": req.Email})
		return
	}

	if bootstrap {
		session, err := s.service.StartSession(r.Context(), user)
		if err != nil {
			s.renderError(w, r, nil, err)
			return
		}
		s.setCookie(w, session)
		http.Redirect(w, r, "/home", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, r.URL.Path+"?created="+url.QueryEscape(user.Username), http.StatusSeeOther)
}

func (s *HTTPServer) renderRegister(w http.ResponseWriter, r *http.Request, viewer *Session, status int, message string, form map[string]string) {
	page := s.page(viewer, "Register")
	page.Error = message
	page.Form = form
	if created := r.URL.Query().Get("created"); created != "" && message == "" {
		page.Notice = "Account " + created + " created"
	}
	page.Data = r.URL.Path
	s.render(w, r, status, views.PageRegister, page)
}

func (s *HTTPServer) denyRegistration(w http.ResponseWriter, r *http.Request, viewer *Session) {
	if viewer == nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	s.renderError(w, r, viewer, errForbidden)
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		if err := s.service.Logout(r.Context(), cookie.Value); err != nil {
			s.log.Error("logout failed", "request_id", requestID(r.Context()), "error", err)
		}
	}
	s.clearCookie(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *HTTPServer) handleHome(w http.ResponseWriter, r *http.Request, session Session) {
	s.render(w, r, http.StatusOK, views.PageHome, s.page(&session, "Home"))
}

func (s *HTTPServer) handleBatches(w http.ResponseWriter, r *http.Request, session Session) {
	s.renderBatches(w, r, session, http.StatusOK, "", nil)
}

func (s *HTTPServer) renderBatches(w http.ResponseWriter, r *http.Request, session Session, status int, message string, form map[string]string) {
	batches, err := s.service.ListBatches(r.Context())
	if err != nil {
		s.renderError(w, r, &session, err)
		return
	}
	page := s.page(&session, "Batches")
	page.Error = message
	page.Form = form
	page.Data = batches
	s.render(w, r, status, views.PageBatches, page)
}

func (s *HTTPServer) handleBatch(w http.ResponseWriter, r *http.Request, session Session) {
	s.renderBatch(w, r, session, r.PathValue("batch"), http.StatusOK, "", nil)
}

func (s *HTTPServer) renderBatch(w http.ResponseWriter, r *http.Request, session Session, slug string, status int, message string, form map[string]string) {
	batch, err := s.service.GetBatch(r.Context(), slug)
	if err != nil {
		s.renderError(w, r, &session, err)
		return
	}
	page := s.page(&session, batch.Name)
	page.Error = message
	page.Form = form
	page.Data = batch
	s.render(w, r, status, views.PageBatch, page)
}

func (s *HTTPServer) handleDay(w http.ResponseWriter, r *http.Request, session Session) {
	s.renderDay(w, r, session, http.StatusOK, "")
}

func (s *HTTPServer) renderDay(w http.ResponseWriter, r *http.Request, session Session, status int, message string) {
	batchSlug := r.PathValue("batch")
	day, err := s.service.GetDay(r.Context(), batchSlug, r.PathValue("day"))
	if err != nil {
		s.renderError(w, r, &session, err)
		return
	}
	page := s.page(&session, day.Title)
	page.Error = message
	page.Data = views.DayData{BatchSlug: store.NormalizeSlug(batchSlug), Day: day}
	s.render(w, r, status, views.PageDay, page)
}

func (s *HTTPServer) handleComment(w http.ResponseWriter, r *http.Request, session Session) {
	if !s.parseForm(w, r) {
		return
	}
	batchSlug, daySlug := r.PathValue("batch"), r.PathValue("day")

	_, err := s.service.AddComment(r.Context(), session, batchSlug, daySlug, r.PostFormValue("comment"))
	if err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) && domainErr.Status == http.StatusUnprocessableEntity {
			s.renderDay(w, r, session, domainErr.Status, domainErr.Message)
			return
		}
		s.renderError(w, r, &session, err)
		return
	}
	http.Redirect(w, r, dayPath(batchSlug, daySlug), http.StatusSeeOther)
}

func (s *HTTPServer) handleZoom(w http.ResponseWriter, r *http.Request, session Session) {
	target, err := ZoomURL(r.PathValue("zoom"))
	if err != nil {
		s.renderError(w, r, &session, err)
		return
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func (s *HTTPServer) handleDoc(w http.ResponseWriter, r *http.Request, session Session) {
	target, err := DocURL(r.PathValue("doc"))
	if err != nil {
		s.renderError(w, r, &session, err)
		return
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func (s *HTTPServer) staticPage(name, title string) sessionHandler {
	return func(w http.ResponseWriter, r *http.Request, session Session) {
		s.render(w, r, http.StatusOK, name, s.page(&session, title))
	}
}

func (s *HTTPServer) handleCreateBatch(w http.ResponseWriter, r *http.Request, session Session) {
	if !s.parseForm(w, r) {
		return
	}
	name, slug := r.PostFormValue("name"), r.PostFormValue("slug")

	batch, err := s.service.CreateBatch(r.Context(), session, name, slug)
	if err != nil {
		status, _, message := mapError(err)
		if status == http.StatusUnprocessableEntity || status == http.StatusConflict {
			s.renderBatches(w, r, session, status, message, map[string]string{"name": name, "slug": slug})
			return
		}
		s.renderError(w, r, &session, err)
		return
	}
	http.Redirect(w, r, "/beginner/"+url.PathEscape(batch.Slug), http.StatusSeeOther)
}

func (s *HTTPServer) handleAddDay(w http.ResponseWriter, r *http.Request, session Session) {
	if !s.parseForm(w, r) {
		return
	}
	batchSlug := r.PathValue("batch")
	input := DayInput{
		Slug:    r.PostFormValue("slug"),
		Title:   r.PostFormValue("title"),
		Content: r.PostFormValue("content"),
		ZoomID:  r.PostFormValue("zoom"),
		DocID:   r.PostFormValue("doc"),
	}

	day, err := s.service.AddDay(r.Context(), session, batchSlug, input)
	if err != nil {
		status, _, message := mapError(err)
		if status == http.StatusUnprocessableEntity || status == http.StatusConflict {
			s.renderBatch(w, r, session, batchSlug, status, message, map[string]string{
				"slug": input.Slug, "title": input.Title, "content": input.Content, "zoom": input.ZoomID, "doc": input.DocID,
			})
			return
		}
		s.renderError(w, r, &session, err)
		return
	}
	http.Redirect(w, r, dayPath(batchSlug, day.Slug), http.StatusSeeOther)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ping(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			s.log.Warn("readiness check failed", "check", name, "error", err)
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleNotFound(w http.ResponseWriter, r *http.Request) {
	var viewer *Session
	if session, ok := s.currentSession(r); ok {
		viewer = &session
	}
	s.renderError(w, r, viewer, store.ErrNotFound)
}

func (s *HTTPServer) page(session *Session, title string) views.Page {
	page := views.Page{Title: title}
	if session != nil {
		page.Viewer = &views.Viewer{Username: session.Username, Role: session.Role}
		page.CanManage = s.service.Can(session.Role, rbac.ActionManageContent)
	}
	return page
}

// renderError shows the error page with the status mapError picks. Server
// errors are logged with the request id; their details are not shown.
func (s *HTTPServer) renderError(w http.ResponseWriter, r *http.Request, session *Session, err error) {
	status, code, message := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	page := s.page(session, http.StatusText(status))
	page.Data = message
	s.log.Debug("rendering error page", "status", status, "code", code)
	s.render(w, r, status, views.PageError, page)
}

func (s *HTTPServer) render(w http.ResponseWriter, r *http.Request, status int, name string, page views.Page) {
	if err := s.views.Render(w, status, name, page); err != nil {
		s.log.Error("render failed", "request_id", requestID(r.Context()), "page", name, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (s *HTTPServer) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 64 {
			reqID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setSecurityHeaders(writer.Header())
		writer.Header().Set("X-Request-ID", reqID)

		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic", "request_id", reqID, "panic", rec)
				if !writer.wroteHeader {
					http.Error(writer, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}
			s.log.Info("request",
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", writer.status,
				"duration_ms", time.Since(started).Milliseconds(),
			)
		}()

		next.ServeHTTP(writer, r)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func setSecurityHeaders(header http.Header) {
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set("X-Frame-Options", "DENY")
	header.Set("Referrer-Policy", "same-origin")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func dayPath(batchSlug, daySlug string) string {
	return "/beginner/" + url.PathEscape(store.NormalizeSlug(batchSlug)) + "/" + url.PathEscape(store.NormalizeSlug(daySlug))
}
