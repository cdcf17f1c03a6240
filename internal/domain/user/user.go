package user

import (
	"context"
	"time"
)

// User is an administrator allowed to act on reservations and farm policies.
// Username doubles as the actor recorded in follow-up events.
type User struct {
	ID           string
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

type Repository interface {
	CreateUser(ctx context.Context, u User) error
	GetByUsername(ctx context.Context, username string) (User, error)
}
