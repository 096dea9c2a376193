// Package authpw provides username/password registration and sign-in.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"cohortportal/web/internal/rbac"
	"cohortportal/web/internal/store"
)

var (
	ErrDuplicateIdentifier = errors.New("username already registered")
	ErrInvalidCredentials  = errors.New("invalid username or password")
	ErrInvalidInput        = errors.New("invalid input")
)

// UserStore defines the storage interface for credentials
type UserStore interface {
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	CountUsers(ctx context.Context) (int, error)
}

// Service hashes and checks passwords against a UserStore
type Service struct {
	store      UserStore
	cost       int
	validate   *validator.Validate
	translator ut.Translator

	dummyOnce sync.Once
	dummyHash []byte
}

// NewService creates a credential service. A cost outside bcrypt's range
// falls back to bcrypt.DefaultCost.
func NewService(store UserStore, cost int) *Service {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	validate, translator := newValidator()
	return &Service{
		store:      store,
		cost:       cost,
		validate:   validate,
		translator: translator,
	}
}

// RegisterRequest contains registration parameters
type RegisterRequest struct {
	Username string `form:"username" validate:"required,min=3,max=64,username"`
	Password string `form:"password" validate:"required,min=8,max=72"`
	Email    string `form:"email" validate:"omitempty,email,max=254"`
	Role     string `form:"role" validate:"omitempty,oneof=student instructor admin"`
}

// Register validates req and stores a new user with a bcrypt hash. The
// username unique constraint decides races between concurrent sign-ups.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	if err := s.validate.Struct(req); err != nil {
		return store.User{}, fmt.Errorf("%w: %s", ErrInvalidInput, describe(err, s.translator))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, store.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         string(rbac.Normalize(req.Role)),
	})
	if errors.Is(err, store.ErrDuplicate) {
		return store.User{}, ErrDuplicateIdentifier
	}
	if err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Authenticate returns the user whose password matches. Unknown usernames
// still pay for a bcrypt comparison so both failures take the same time.
func (s *Service) Authenticate(ctx context.Context, username, password string) (store.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(password))
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// HasUsers reports whether any account exists yet.
func (s *Service) HasUsers(ctx context.Context) (bool, error) {
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	return n > 0, nil
}

func (s *Service) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), s.cost)
	})
	return s.dummyHash
}
