// ABOUTME: User directory: registration, credential checks and peer search
// ABOUTME: Validates usernames and passwords, hashes with bcrypt, persists through store.UserStore

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/2389/pairchat/internal/auth"
	"github.com/2389/pairchat/internal/store"
)

// Directory errors
var (
	ErrUserExists         = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidInput       = errors.New("invalid input")
)

// DefaultSearchLimit caps search results when the caller passes no limit.
const DefaultSearchLimit = 50

var validate = validator.New()

// Credentials is a registration or login request.
type Credentials struct {
	Username string `validate:"required,min=1,max=64,username"`
	Password string `validate:"required,min=8,max=72"`
}

func init() {
	// Letters, digits, underscore, dot and hyphen. Kept to characters that are
	// safe in URLs and file names.
	_ = validate.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		for _, r := range fl.Field().String() {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			case r == '_', r == '.', r == '-':
			default:
				return false
			}
		}
		return true
	})
}

// Service manages registered users.
type Service struct {
	users  store.UserStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a directory Service.
func New(users store.UserStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:  users,
		logger: logger.With("component", "directory"),
		now:    time.Now,
	}
}

// Validate checks a username/password pair without touching the store.
func Validate(c Credentials) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Register creates a new user. Usernames are unique case-insensitively.
func (s *Service) Register(ctx context.Context, c Credentials) (*store.User, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(c.Password)
	if err != nil {
		return nil, err
	}

	user := &store.User{
		Username:     c.Username,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	s.logger.Info("user registered", "username", user.Username)
	return user, nil
}

// Authenticate checks a username and password and returns the stored user.
// Unknown users and wrong passwords both yield ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*store.User, error) {
	user, err := s.users.GetUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("login for unknown user", "username", username)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	if err := auth.CheckPassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			s.logger.Debug("login with wrong password", "username", username)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	return user, nil
}

// Lookup returns the named user or store.ErrNotFound.
func (s *Service) Lookup(ctx context.Context, username string) (*store.User, error) {
	return s.users.GetUser(ctx, username)
}

// Canonical returns username as it was registered, so "ALICE" and "alice"
// name the same conversation participant. Unknown names yield store.ErrNotFound.
func (s *Service) Canonical(ctx context.Context, username string) (string, error) {
	user, err := s.Lookup(ctx, username)
	if err != nil {
		return "", err
	}
	return user.Username, nil
}

// Search finds users whose name contains query (case-insensitive), never
// including the caller.
func (s *Service) Search(ctx context.Context, caller, query string, limit int) ([]*store.User, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	users, err := s.users.SearchUsers(ctx, query, caller, limit)
	if err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}
	return users, nil
}
