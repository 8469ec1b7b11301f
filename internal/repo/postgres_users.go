package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gmoralespe/wagateway/internal/model"
)

type PostgresUserRepo struct {
	db *sql.DB
}

func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

func (r *PostgresUserRepo) FindByDNI(ctx context.Context, dni string) (*model.User, error) {
	return r.findOne(ctx, `
		SELECT id, dni, nombre, apellido, password, rol, es_activo, created_at, updated_at
		FROM usuarios
		WHERE dni = $1
	`, dni)
}

func (r *PostgresUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	return r.findOne(ctx, `
		SELECT id, dni, nombre, apellido, password, rol, es_activo, created_at, updated_at
		FROM usuarios
		WHERE id = $1
	`, id)
}

func (r *PostgresUserRepo) findOne(ctx context.Context, query string, arg any) (*model.User, error) {
	var (
		u   model.User
		rol string
	)
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID,
		&u.DNI,
		&u.FirstName,
		&u.LastName,
		&u.PasswordHash,
		&rol,
		&u.Active,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = model.Role(rol)
	return &u, nil
}
