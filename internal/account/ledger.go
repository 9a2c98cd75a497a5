// Package account holds user balances, the charge/refund ledger and the
// directory of chat addresses.
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/editqueue/internal/domain"
	"github.com/cuongbtq/editqueue/shared/postgresql"
)

// Ledger entry kinds. (job_id, kind) is unique, so each job is charged and
// refunded at most once.
const (
	KindCharge = "charge"
	KindRefund = "refund"
)

// Ledger implements balance changes and address lookup on PostgreSQL
type Ledger struct {
	pg     *postgresql.Client
	logger *slog.Logger
}

// NewLedger creates a ledger on the shared client
func NewLedger(pg *postgresql.Client, logger *slog.Logger) *Ledger {
	return &Ledger{pg: pg, logger: logger}
}

// Charge debits amount for jobID. A repeated charge for the same job is a no-op.
func (l *Ledger) Charge(ctx context.Context, jobID, userID string, amount int64) error {
	return l.pg.WithTx(ctx, func(tx *sqlx.Tx) error {
		inserted, err := insertEntry(ctx, tx, jobID, userID, KindCharge, amount, "edit request")
		if err != nil {
			return err
		}
		if !inserted {
			l.logger.Warn("Charge already recorded",
				slog.String("job_id", jobID),
				slog.String("user_id", userID),
			)
			return nil
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE users SET balance = balance - $2, updated_at = NOW() WHERE user_id = $1 AND balance >= $2`,
			userID, amount,
		)
		if err != nil {
			return fmt.Errorf("failed to debit balance: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return l.debitRejection(ctx, tx, userID)
		}

		l.logger.Info("Balance charged",
			slog.String("job_id", jobID),
			slog.String("user_id", userID),
			slog.Int64("amount", amount),
		)
		return nil
	})
}

func (l *Ledger) debitRejection(ctx context.Context, tx *sqlx.Tx, userID string) error {
	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM users WHERE user_id = $1)`, userID); err != nil {
		return fmt.Errorf("failed to check user: %w", err)
	}
	if !exists {
		return domain.ErrUserNotFound
	}
	return domain.ErrInsufficientBalance
}

// Refund credits amount back for jobID. applied is false when the job was
// already refunded.
func (l *Ledger) Refund(ctx context.Context, jobID, userID string, amount int64, reason string) (bool, error) {
	applied := false
	err := l.pg.WithTx(ctx, func(tx *sqlx.Tx) error {
		inserted, err := insertEntry(ctx, tx, jobID, userID, KindRefund, amount, reason)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET balance = balance + $2, updated_at = NOW() WHERE user_id = $1`,
			userID, amount,
		); err != nil {
			return fmt.Errorf("failed to credit balance: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func insertEntry(ctx context.Context, tx *sqlx.Tx, jobID, userID, kind string, amount int64, reason string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO balance_transactions (job_id, user_id, kind, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (job_id, kind) DO NOTHING
	`, jobID, userID, kind, amount, reason)
	if err != nil {
		return false, fmt.Errorf("failed to record %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// AddressOf returns the chat address of userID
func (l *Ledger) AddressOf(ctx context.Context, userID string) (string, error) {
	var chatID sql.NullString
	err := l.pg.GetDB().GetContext(ctx, &chatID, `SELECT chat_id FROM users WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up address: %w", err)
	}
	if !chatID.Valid || chatID.String == "" {
		return "", domain.ErrNoAddress
	}
	return chatID.String, nil
}

// Balance returns the current balance of userID
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.pg.GetDB().GetContext(ctx, &balance, `SELECT balance FROM users WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}
