package repo

import (
	"context"
	"database/sql"

	"github.com/gmoralespe/wagateway/internal/model"
)

type PostgresHistoryRepo struct {
	db         *sql.DB
	dailyLimit int
}

func NewPostgresHistoryRepo(db *sql.DB, dailyLimit int) *PostgresHistoryRepo {
	if dailyLimit <= 0 {
		dailyLimit = 200
	}
	return &PostgresHistoryRepo{db: db, dailyLimit: dailyLimit}
}

func (r *PostgresHistoryRepo) RecordSend(ctx context.Context, userID int64, recipientCount int, message string, succeeded bool) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	status := "enviado"
	if !succeeded {
		status = "fallido"
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO envios_historicos (usuario_id, cantidad_numeros, mensaje_enviado, estado, fecha_envio)
		VALUES ($1, $2, $3, $4, now())
	`, userID, recipientCount, message, status); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO limite_diario (usuario_id, fecha, cantidad_enviada, limite_maximo)
		VALUES ($1, CURRENT_DATE, $2, $3)
		ON CONFLICT (usuario_id, fecha)
		DO UPDATE SET cantidad_enviada = limite_diario.cantidad_enviada + EXCLUDED.cantidad_enviada
	`, userID, recipientCount, r.dailyLimit); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *PostgresHistoryRepo) RemainingQuota(ctx context.Context, userID int64) (int, error) {
	var sent, limit int
	err := r.db.QueryRowContext(ctx, `
		SELECT cantidad_enviada, limite_maximo
		FROM limite_diario
		WHERE usuario_id = $1 AND fecha = CURRENT_DATE
	`, userID).Scan(&sent, &limit)
	if err == sql.ErrNoRows {
		return r.dailyLimit, nil
	}
	if err != nil {
		return 0, err
	}

	remaining := limit - sent
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (r *PostgresHistoryRepo) ListHistory(ctx context.Context, userID int64, limit, offset int) ([]model.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, usuario_id, cantidad_numeros, mensaje_enviado, estado, fecha_envio
		FROM envios_historicos
		WHERE usuario_id = $1
		ORDER BY fecha_envio DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		if err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.RecipientCount,
			&e.Message,
			&e.Status,
			&e.SentAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
