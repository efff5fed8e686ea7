package main

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLen = 6

type UserService struct {
	repo     *Repository
	sessions SessionStore
	pub      Publisher
	cost     int
}

func NewUserService(repo *Repository, sessions SessionStore, pub Publisher) *UserService {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &UserService{repo: repo, sessions: sessions, pub: pub, cost: bcrypt.DefaultCost}
}

func normalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

func (s *UserService) Register(ctx context.Context, name, email, password string) (*User, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" || email == "" || password == "" {
		return nil, errors.WithMessage(ErrInvalidArgument, "name, email and password are required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, errors.WithMessage(ErrInvalidArgument, "invalid email")
	}
	if len(password) < minPasswordLen {
		return nil, errors.WithMessagef(ErrInvalidArgument, "password must have at least %d characters", minPasswordLen)
	}
	// verifica que no exista
	existing, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	u := &User{Name: name, Email: email, PasswordHash: string(hash)}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	publishAll(ctx, s.pub, []Event{NewEvent(RKUserCreated, UserCreated{UserID: u.ID, Name: u.Name, Email: u.Email})})
	log.Info().Int64("user", u.ID).Str("email", u.Email).Msg("user registered")
	return u, nil
}

// email desconocido y clave errada dan el mismo error
func (s *UserService) Login(ctx context.Context, email, password string) (string, *User, error) {
	u, err := s.repo.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return "", nil, err
	}
	if u == nil {
		return "", nil, errors.WithMessage(ErrUnauthenticated, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", nil, errors.WithMessage(ErrUnauthenticated, "invalid credentials")
	}
	token := uuid.NewString()
	if err := s.sessions.Put(ctx, token, Session{UserID: u.ID, Email: u.Email, CreatedAt: time.Now().UTC()}); err != nil {
		return "", nil, err
	}
	log.Info().Int64("user", u.ID).Msg("login")
	return token, u, nil
}

func (s *UserService) Authenticate(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	return s.sessions.Get(ctx, token)
}

func (s *UserService) Logout(ctx context.Context, token string) error {
	return s.sessions.Delete(ctx, token)
}

func (s *UserService) GetProfile(ctx context.Context, userID int64) (*User, error) {
	return s.repo.GetUser(ctx, userID)
}

func (s *UserService) UpdateName(ctx context.Context, userID int64, name string) (*User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.WithMessage(ErrInvalidArgument, "name is required")
	}
	if err := s.repo.UpdateUserName(ctx, userID, name); err != nil {
		return nil, err
	}
	publishAll(ctx, s.pub, []Event{NewEvent(RKUserUpdated, UserUpdated{UserID: userID, Name: name})})
	return s.repo.GetUser(ctx, userID)
}
