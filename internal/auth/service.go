package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"redink/server/internal/domain"
	"redink/server/internal/infra"
	"redink/server/internal/sqlinline"
)

// Account errors whose text is shown to the user verbatim. Login failures
// never reveal whether the username or the password was wrong.
var (
	ErrUsernameTaken  = errors.New("用户名已被使用")
	ErrBadCredentials = errors.New("用户名或密码错误")
)

// ValidationError reports invalid signup input with the message the UI shows.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

const (
	minUsernameLen = 3
	maxUsernameLen = 50
	minPasswordLen = 6
)

// Service registers and authenticates accounts.
type Service struct {
	db     infra.SQLExecutor
	tokens *TokenIssuer
}

// NewService creates a Service on top of the given SQL executor.
func NewService(db infra.SQLExecutor, tokens *TokenIssuer) *Service {
	return &Service{db: db, tokens: tokens}
}

// Register creates an account and returns it with a fresh token.
func (s *Service) Register(ctx context.Context, username, password string) (*domain.User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, "", &ValidationError{Message: "用户名不能为空"}
	}
	if n := utf8.RuneCountInString(username); n < minUsernameLen || n > maxUsernameLen {
		return nil, "", &ValidationError{Message: "用户名长度需在 3-50 个字符之间"}
	}
	if password == "" {
		return nil, "", &ValidationError{Message: "密码不能为空"}
	}
	if utf8.RuneCountInString(password) < minPasswordLen {
		return nil, "", &ValidationError{Message: "密码长度不能少于 6 位"}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("auth: hash password: %w", err)
	}

	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
	}
	err = s.db.QueryRow(ctx, sqlinline.QInsertUser, user.ID, user.Username, user.PasswordHash).
		Scan(&user.CreatedAt)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, "", ErrUsernameTaken
		}
		return nil, "", fmt.Errorf("auth: register %q: %w", username, err)
	}

	token, err := s.tokens.Issue(user.ID, user.Username)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login authenticates an account and returns it with a fresh token.
func (s *Service) Login(ctx context.Context, username, password string) (*domain.User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, "", &ValidationError{Message: "用户名和密码不能为空"}
	}

	user, err := s.userByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, "", ErrBadCredentials
		}
		return nil, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrBadCredentials
	}

	token, err := s.tokens.Issue(user.ID, user.Username)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Refresh re-issues a token for a live account.
func (s *Service) Refresh(ctx context.Context, userID string) (string, error) {
	user, err := s.UserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return s.tokens.Issue(user.ID, user.Username)
}

// UserByID loads one account.
func (s *Service) UserByID(ctx context.Context, id string) (*domain.User, error) {
	return s.scanUser(s.db.QueryRow(ctx, sqlinline.QSelectUserByID, id))
}

func (s *Service) userByUsername(ctx context.Context, username string) (*domain.User, error) {
	return s.scanUser(s.db.QueryRow(ctx, sqlinline.QSelectUserByUsername, username))
}

func (s *Service) scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("auth: scan user: %w", err)
	}
	return &u, nil
}
