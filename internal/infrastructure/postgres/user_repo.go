package postgres

import (
	"context"

	"github.com/example/grove-scheduler/internal/db"
	"github.com/example/grove-scheduler/internal/domain/user"
	"github.com/example/grove-scheduler/internal/internaltypes"
)

type UserRepo struct{ db *db.DB }

func NewUserRepo(d *db.DB) *UserRepo { return &UserRepo{db: d} }

func (r *UserRepo) CreateUser(ctx context.Context, u user.User) error {
	return r.db.Exec(ctx,
		`INSERT INTO admin_users (id, username, password_hash, created_at) VALUES ($1,$2,$3,$4)`,
		u.ID, u.Username, u.PasswordHash, u.CreatedAt,
	)
}

func (r *UserRepo) GetByUsername(ctx context.Context, username string) (user.User, error) {
	row := r.db.QueryRow(ctx, `SELECT id, username, password_hash, created_at FROM admin_users WHERE username=$1`, username)
	var u user.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
		if db.IsNotFound(err) {
			return user.User{}, &internaltypes.NotFoundError{Entity: "user", ID: username}
		}
		return user.User{}, db.WrapNotFound(err)
	}
	return u, nil
}
