package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ----------------------------------------
// Accounts
// ----------------------------------------

// UpsertAccount syncs one configured account into the store.
func (s *Store) UpsertAccount(ctx context.Context, a AccountRow) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (
			id, role, venue, enabled, risk_multiplier, max_position_pct,
			max_open_positions, max_daily_loss, safety_buffer, allow_stacking,
			auto_sync, allowed_symbols, api_key_encrypted, api_secret_encrypted,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			venue = excluded.venue,
			enabled = excluded.enabled,
			risk_multiplier = excluded.risk_multiplier,
			max_position_pct = excluded.max_position_pct,
			max_open_positions = excluded.max_open_positions,
			max_daily_loss = excluded.max_daily_loss,
			safety_buffer = excluded.safety_buffer,
			allow_stacking = excluded.allow_stacking,
			auto_sync = excluded.auto_sync,
			allowed_symbols = excluded.allowed_symbols,
			api_key_encrypted = excluded.api_key_encrypted,
			api_secret_encrypted = excluded.api_secret_encrypted,
			updated_at = CURRENT_TIMESTAMP
	`,
		a.ID, a.Role, a.Venue, boolToInt(a.Enabled), a.RiskMultiplier, a.MaxPositionPct,
		a.MaxOpenPositions, a.MaxDailyLoss, a.SafetyBuffer, boolToInt(a.AllowStacking),
		boolToInt(a.AutoSync), a.AllowedSymbols, a.APIKeyEncrypted, a.APISecretEncrypted,
	)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", a.ID, err)
	}
	return nil
}

// ListAccounts returns all configured accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]AccountRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, role, venue, enabled, risk_multiplier, max_position_pct,
		       max_open_positions, max_daily_loss, safety_buffer, allow_stacking,
		       auto_sync, allowed_symbols, api_key_encrypted, api_secret_encrypted,
		       created_at, updated_at
		FROM accounts ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []AccountRow
	for rows.Next() {
		var a AccountRow
		var enabled, stacking, autoSync int
		if err := rows.Scan(&a.ID, &a.Role, &a.Venue, &enabled, &a.RiskMultiplier,
			&a.MaxPositionPct, &a.MaxOpenPositions, &a.MaxDailyLoss, &a.SafetyBuffer,
			&stacking, &autoSync, &a.AllowedSymbols, &a.APIKeyEncrypted,
			&a.APISecretEncrypted, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.Enabled = enabled == 1
		a.AllowStacking = stacking == 1
		a.AutoSync = autoSync == 1
		out = append(out, a)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Positions
// ----------------------------------------

// UpsertPosition persists the durable view of a position keyed by position id.
func (s *Store) UpsertPosition(ctx context.Context, p PositionRow) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO positions (
			id, account_id, symbol, side, entry_price, quantity, remaining_qty,
			reserved_capital, state, step_index, peak_pnl, policy, opened_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			remaining_qty = excluded.remaining_qty,
			reserved_capital = excluded.reserved_capital,
			state = excluded.state,
			step_index = excluded.step_index,
			peak_pnl = excluded.peak_pnl,
			policy = excluded.policy,
			updated_at = CURRENT_TIMESTAMP
	`,
		p.ID, p.AccountID, p.Symbol, p.Side, p.EntryPrice, p.Quantity, p.RemainingQty,
		p.ReservedCapital, p.State, p.StepIndex, p.PeakPnL, p.Policy, p.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.ID, err)
	}
	return nil
}

// ListOpenPositions returns positions not yet CLOSED, for restart recovery.
func (s *Store) ListOpenPositions(ctx context.Context) ([]PositionRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, account_id, symbol, side, entry_price, quantity, remaining_qty,
		       reserved_capital, state, step_index, peak_pnl, policy, opened_at, updated_at
		FROM positions
		WHERE state != 'CLOSED'
	`)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var p PositionRow
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Symbol, &p.Side, &p.EntryPrice,
			&p.Quantity, &p.RemainingQty, &p.ReservedCapital, &p.State, &p.StepIndex,
			&p.PeakPnL, &p.Policy, &p.OpenedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Reservations
// ----------------------------------------

// InsertReservation records a capital hold. A second insert for the same
// position id fails the primary key, which is exactly the double-reservation
// defect the ledger guards against.
func (s *Store) InsertReservation(ctx context.Context, r ReservationRow) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO reservations (position_id, account_id, amount)
		VALUES (?, ?, ?)
	`, r.PositionID, r.AccountID, r.Amount)
	if err != nil {
		return fmt.Errorf("insert reservation %s: %w", r.PositionID, err)
	}
	return nil
}

// UpdateReservationAmount shrinks a hold after a partial release.
func (s *Store) UpdateReservationAmount(ctx context.Context, positionID string, amount float64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE reservations SET amount = ? WHERE position_id = ?
	`, amount, positionID)
	if err != nil {
		return fmt.Errorf("update reservation %s: %w", positionID, err)
	}
	return nil
}

// DeleteReservation removes a hold on full release. Deleting an absent row
// is a no-op, which keeps release idempotent across replays.
func (s *Store) DeleteReservation(ctx context.Context, positionID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM reservations WHERE position_id = ?`, positionID)
	if err != nil {
		return fmt.Errorf("delete reservation %s: %w", positionID, err)
	}
	return nil
}

// ListReservations returns all live holds, for restart recovery.
func (s *Store) ListReservations(ctx context.Context) ([]ReservationRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT position_id, account_id, amount, created_at FROM reservations
	`)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var out []ReservationRow
	for rows.Next() {
		var r ReservationRow
		if err := rows.Scan(&r.PositionID, &r.AccountID, &r.Amount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Trade signals and fan-out idempotency
// ----------------------------------------

// InsertSignal persists a master fill signal.
func (s *Store) InsertSignal(ctx context.Context, sig SignalRow) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO trade_signals (id, symbol, side, size, size_type, master_balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sig.ID, sig.Symbol, sig.Side, sig.Size, sig.SizeType, sig.MasterBalance, sig.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert signal %s: %w", sig.ID, err)
	}
	return nil
}

// ClaimDispatch reserves the (signal, account) pair for processing. Returns
// false when the pair was already claimed, giving at-most-once delivery per
// user even across restarts.
func (s *Store) ClaimDispatch(ctx context.Context, signalID, accountID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO signal_dispatches (signal_id, account_id, status)
		VALUES (?, ?, 'PENDING')
	`, signalID, accountID)
	if err != nil {
		return false, fmt.Errorf("claim dispatch %s/%s: %w", signalID, accountID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishDispatch records the outcome of a claimed dispatch.
func (s *Store) FinishDispatch(ctx context.Context, signalID, accountID, status, detail string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE signal_dispatches SET status = ?, detail = ?
		WHERE signal_id = ? AND account_id = ?
	`, status, detail, signalID, accountID)
	if err != nil {
		return fmt.Errorf("finish dispatch %s/%s: %w", signalID, accountID, err)
	}
	return nil
}

// ----------------------------------------
// Drift reports
// ----------------------------------------

// InsertDriftReport appends one reconciliation difference to the audit trail.
func (s *Store) InsertDriftReport(ctx context.Context, d DriftRow) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO drift_reports (account_id, symbol, local_qty, exchange_qty, difference, synced)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.AccountID, d.Symbol, d.LocalQty, d.ExchangeQty, d.Difference, boolToInt(d.Synced))
	if err != nil {
		return fmt.Errorf("insert drift report: %w", err)
	}
	return nil
}

// ListDriftReports returns the most recent drift rows.
func (s *Store) ListDriftReports(ctx context.Context, limit int) ([]DriftRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, account_id, symbol, local_qty, exchange_qty, difference, synced, created_at
		FROM drift_reports ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list drift reports: %w", err)
	}
	defer rows.Close()

	var out []DriftRow
	for rows.Next() {
		var d DriftRow
		var synced int
		if err := rows.Scan(&d.ID, &d.AccountID, &d.Symbol, &d.LocalQty, &d.ExchangeQty,
			&d.Difference, &synced, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan drift report: %w", err)
		}
		d.Synced = synced == 1
		out = append(out, d)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Daily risk metrics
// ----------------------------------------

// AddDailyResult folds one realized trade result into the account's daily metrics.
func (s *Store) AddDailyResult(ctx context.Context, accountID string, netPnL float64) error {
	today := time.Now().Format("2006-01-02")
	loss := 0.0
	if netPnL < 0 {
		loss = -netPnL
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO risk_metrics (account_id, date, daily_pnl, daily_trades, daily_losses)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(account_id, date) DO UPDATE SET
			daily_pnl = daily_pnl + ?,
			daily_trades = daily_trades + 1,
			daily_losses = daily_losses + ?
	`, accountID, today, netPnL, loss, netPnL, loss)
	if err != nil {
		return fmt.Errorf("add daily result %s: %w", accountID, err)
	}
	return nil
}

// DailyLoss returns the account's accumulated loss for today.
func (s *Store) DailyLoss(ctx context.Context, accountID string) (float64, error) {
	today := time.Now().Format("2006-01-02")
	var loss float64
	err := s.DB.QueryRowContext(ctx, `
		SELECT daily_losses FROM risk_metrics WHERE account_id = ? AND date = ?
	`, accountID, today).Scan(&loss)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("daily loss %s: %w", accountID, err)
	}
	return loss, nil
}

// ----------------------------------------
// Users (ops API auth)
// ----------------------------------------

// CreateUser inserts an ops API login.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash) VALUES (?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByEmail looks up a login, ErrNotFound when absent.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at FROM users WHERE email = ?
	`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}
