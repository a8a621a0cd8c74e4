package sqlite

import (
	"context"
	"time"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/store"
)

type challengesRepo struct {
	q dbtx
}

const challengeColumns = `id, serial, transaction_id, challenge, data,
	session, received_count, otp_valid, expires_at, created_at`

func (r *challengesRepo) CreateChallenge(ctx context.Context, c domain.Challenge) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO challenges (
			id, serial, transaction_id, challenge, data,
			session, received_count, otp_valid, expires_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Serial, c.TransactionID, c.Challenge, c.Data,
		c.Session, c.ReceivedCount, c.OTPValid, c.ExpiresAt, c.CreatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func (r *challengesRepo) GetChallenges(ctx context.Context, serial, transactionID string) ([]domain.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM challenges WHERE serial = ?`
	args := []any{serial}
	if transactionID != "" {
		query += ` AND transaction_id = ?`
		args = append(args, transactionID)
	}
	query += ` ORDER BY created_at ASC`

	return r.scanChallenges(ctx, query, args...)
}

func (r *challengesRepo) GetChallengesByTransaction(ctx context.Context, transactionID string) ([]domain.Challenge, error) {
	return r.scanChallenges(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE transaction_id = ? ORDER BY created_at ASC`,
		transactionID)
}

func (r *challengesRepo) UpdateChallenge(ctx context.Context, c domain.Challenge) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE challenges SET
			session = ?, received_count = ?, otp_valid = ?
		WHERE id = ?`,
		c.Session, c.ReceivedCount, c.OTPValid, c.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *challengesRepo) DeleteChallenge(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM challenges WHERE id = ?`, id)
	return err
}

func (r *challengesRepo) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at <= ?`, now)
	return err
}

func (r *challengesRepo) scanChallenges(ctx context.Context, query string, args ...any) ([]domain.Challenge, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Challenge
	for rows.Next() {
		var c domain.Challenge
		if err := rows.Scan(
			&c.ID, &c.Serial, &c.TransactionID, &c.Challenge, &c.Data,
			&c.Session, &c.ReceivedCount, &c.OTPValid, &c.ExpiresAt, &c.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
