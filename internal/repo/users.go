package repo

import (
	"context"
	"errors"

	"github.com/gmoralespe/wagateway/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("repo: not found")

type UserRepository interface {
	FindByDNI(ctx context.Context, dni string) (*model.User, error)
	FindByID(ctx context.Context, id int64) (*model.User, error)
}
