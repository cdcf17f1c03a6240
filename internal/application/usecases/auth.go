package usecases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/grove-scheduler/internal/domain/user"
	"github.com/example/grove-scheduler/internal/internaltypes"
)

type AuthService struct {
	Users user.Repository
}

func (a AuthService) VerifyPassword(ctx context.Context, username, password string) (user.User, error) {
	u, err := a.Users.GetByUsername(ctx, username)
	if err != nil {
		if internaltypes.IsNotFound(err) {
			return user.User{}, internaltypes.ErrUnauthorized
		}
		return user.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return user.User{}, internaltypes.ErrUnauthorized
	}
	return u, nil
}

func (a AuthService) AddAdmin(ctx context.Context, username, password string) (user.User, error) {
	u, err := NewUser(username, password)
	if err != nil {
		return user.User{}, err
	}
	if err := a.Users.CreateUser(ctx, u); err != nil {
		return user.User{}, fmt.Errorf("create admin %q: %w", username, err)
	}
	return u, nil
}

func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

func NewUser(username, password string) (user.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return user.User{}, internaltypes.Invalid("username", "required")
	}
	if len(password) < 8 {
		return user.User{}, internaltypes.Invalid("password", "must be at least 8 characters")
	}
	h, err := HashPassword(password)
	if err != nil {
		return user.User{}, err
	}
	return user.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: h,
		CreatedAt:    time.Now().UTC(),
	}, nil
}
