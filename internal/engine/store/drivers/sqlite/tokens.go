package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/store"
)

type tokensRepo struct {
	q dbtx
}

const tokenColumns = `serial, type, owner, otp_key,
	count, count_window, sync_window, otp_len,
	active, revoked, locked, fail_count, max_fail,
	pin_hash, rollout_state, info,
	created_at, updated_at`

func (r *tokensRepo) GetToken(ctx context.Context, serial string) (domain.Token, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE serial = ?`, serial)
	return mapToken(row)
}

func (r *tokensRepo) GetTokensByOwner(ctx context.Context, owner string) ([]domain.Token, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE owner = ? ORDER BY created_at ASC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Token
	for rows.Next() {
		var t domain.Token
		var infoRaw, rollout string
		if err := rows.Scan(
			&t.Serial, &t.Type, &t.Owner, &t.OTPKey,
			&t.Count, &t.CountWindow, &t.SyncWindow, &t.OTPLen,
			&t.Active, &t.Revoked, &t.Locked, &t.FailCount, &t.MaxFail,
			&t.PINHash, &rollout, &infoRaw,
			&t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		t.RolloutState = domain.RolloutState(rollout)
		if t.Info, err = unmarshalInfo(infoRaw); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *tokensRepo) CreateToken(ctx context.Context, t domain.Token) error {
	info, err := marshalInfo(t.Info)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO tokens (
			serial, type, owner, otp_key,
			count, count_window, sync_window, otp_len,
			active, revoked, locked, fail_count, max_fail,
			pin_hash, rollout_state, info,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Serial, t.Type, t.Owner, t.OTPKey,
		t.Count, t.CountWindow, t.SyncWindow, t.OTPLen,
		t.Active, t.Revoked, t.Locked, t.FailCount, t.MaxFail,
		t.PINHash, string(t.RolloutState), info,
		now, now,
	)
	if err != nil && isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func (r *tokensRepo) UpdateToken(ctx context.Context, t domain.Token) error {
	info, err := marshalInfo(t.Info)
	if err != nil {
		return err
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE tokens SET
			owner = ?, otp_key = ?,
			count = ?, count_window = ?, sync_window = ?, otp_len = ?,
			active = ?, revoked = ?, locked = ?, fail_count = ?, max_fail = ?,
			pin_hash = ?, rollout_state = ?, info = ?,
			updated_at = ?
		WHERE serial = ?`,
		t.Owner, t.OTPKey,
		t.Count, t.CountWindow, t.SyncWindow, t.OTPLen,
		t.Active, t.Revoked, t.Locked, t.FailCount, t.MaxFail,
		t.PINHash, string(t.RolloutState), info,
		time.Now().UTC(), t.Serial,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CommitCounter is the per-token serialization point for counter
// acceptance: the WHERE clause on the previous counter value makes
// concurrent attempts race safely, the loser sees ErrConflict.
func (r *tokensRepo) CommitCounter(ctx context.Context, serial string, prev, next int64) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE tokens SET count = ?, fail_count = 0, updated_at = ?
		WHERE serial = ? AND count = ?`,
		next, time.Now().UTC(), serial, prev,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (r *tokensRepo) ResetFailCount(ctx context.Context, serial string) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE tokens SET fail_count = 0, updated_at = ? WHERE serial = ?`,
		time.Now().UTC(), serial)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *tokensRepo) IncrementFailCount(ctx context.Context, serial string) (int, error) {
	_, err := r.q.ExecContext(ctx,
		`UPDATE tokens SET fail_count = fail_count + 1, updated_at = ? WHERE serial = ?`,
		time.Now().UTC(), serial)
	if err != nil {
		return 0, err
	}

	var failCount int
	err = r.q.QueryRowContext(ctx,
		`SELECT fail_count FROM tokens WHERE serial = ?`, serial).Scan(&failCount)
	if err != nil {
		return 0, mapNotFound(err)
	}
	return failCount, nil
}

func (r *tokensRepo) SetLocked(ctx context.Context, serial string, locked bool) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE tokens SET locked = ?, updated_at = ? WHERE serial = ?`,
		locked, time.Now().UTC(), serial)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *tokensRepo) DeleteToken(ctx context.Context, serial string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM tokens WHERE serial = ?`, serial)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
