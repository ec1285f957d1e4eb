package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/adforge/api/internal/model"
)

// LedgerRepository is the token ledger. Every operation is a single
// transaction with conditional updates, so concurrent callers cannot
// overdraw an account or settle a reservation twice.
type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Credit adds tokens to a user's account, creating it if needed.
func (r *LedgerRepository) Credit(ctx context.Context, userID string, amount int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureAccount(tx, userID); err != nil {
			return err
		}
		return tx.Model(&model.TokenAccount{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"balance":    gorm.Expr("balance + ?", amount),
				"updated_at": time.Now().UTC(),
			}).Error
	})
}

// Balance returns the spendable balance; zero for unknown users.
func (r *LedgerRepository) Balance(ctx context.Context, userID string) (int, error) {
	var acct model.TokenAccount
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Reserve debits amount for the job and records a RESERVED entry. The balance
// check and the debit are one conditional UPDATE.
//
// A job has at most one entry. An entry refunded while the job is still
// QUEUED belongs to a start that was rolled back, so it is reserved again.
func (r *LedgerRepository) Reserve(ctx context.Context, userID, jobID string, amount int) (string, error) {
	entryID := uuid.New().String()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prior model.LedgerEntry
		err := tx.Where("job_id = ?", jobID).Take(&prior).Error
		reuse := false
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			ok, err := rolledBack(tx, &prior)
			if err != nil {
				return err
			}
			if !ok {
				return ErrDuplicateReservation
			}
			entryID, reuse = prior.ID, true
		}

		if err := ensureAccount(tx, userID); err != nil {
			return err
		}

		res := tx.Model(&model.TokenAccount{}).
			Where("user_id = ? AND balance >= ?", userID, amount).
			Updates(map[string]interface{}{
				"balance":    gorm.Expr("balance - ?", amount),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var acct model.TokenAccount
			if err := tx.Where("user_id = ?", userID).Take(&acct).Error; err != nil {
				return fmt.Errorf("failed to read balance: %w", err)
			}
			return &InsufficientTokensError{Required: amount, Available: acct.Balance}
		}

		if reuse {
			res := tx.Model(&model.LedgerEntry{}).
				Where("id = ? AND state = ?", prior.ID, model.LedgerStateRefunded).
				Updates(map[string]interface{}{
					"user_id":    userID,
					"amount":     amount,
					"state":      model.LedgerStateReserved,
					"updated_at": time.Now().UTC(),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrDuplicateReservation
			}
			return nil
		}

		return tx.Create(&model.LedgerEntry{
			ID:     entryID,
			UserID: userID,
			JobID:  jobID,
			Amount: amount,
			State:  model.LedgerStateReserved,
		}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A concurrent start inserted the entry after our lookup.
		return "", ErrDuplicateReservation
	}
	if err != nil {
		return "", err
	}
	return entryID, nil
}

// rolledBack reports whether a job's existing entry was refunded before the
// job ever left QUEUED.
func rolledBack(tx *gorm.DB, entry *model.LedgerEntry) (bool, error) {
	if entry.State != model.LedgerStateRefunded {
		return false, nil
	}
	var queued int64
	err := tx.Model(&model.GenerationJob{}).
		Where("id = ? AND status = ?", entry.JobID, model.JobStatusQueued).
		Count(&queued).Error
	return queued > 0, err
}

// Refund returns a job's reserved tokens. It is a no-op returning zero when
// there is nothing reserved, including after an earlier refund or commit.
func (r *LedgerRepository) Refund(ctx context.Context, userID, jobID string) (int, error) {
	refunded := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry model.LedgerEntry
		err := tx.Where("job_id = ? AND user_id = ? AND state = ?", jobID, userID, model.LedgerStateReserved).
			Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		res := tx.Model(&model.LedgerEntry{}).
			Where("id = ? AND state = ?", entry.ID, model.LedgerStateReserved).
			Updates(map[string]interface{}{
				"state":      model.LedgerStateRefunded,
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := tx.Model(&model.TokenAccount{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"balance":    gorm.Expr("balance + ?", entry.Amount),
				"updated_at": time.Now().UTC(),
			}).Error; err != nil {
			return err
		}
		refunded = entry.Amount
		return nil
	})
	if err != nil {
		return 0, err
	}
	return refunded, nil
}

// Commit settles a reservation as charged. No-op if nothing is reserved.
func (r *LedgerRepository) Commit(ctx context.Context, userID, jobID string) error {
	return r.db.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Where("job_id = ? AND user_id = ? AND state = ?", jobID, userID, model.LedgerStateReserved).
		Updates(map[string]interface{}{
			"state":      model.LedgerStateCharged,
			"updated_at": time.Now().UTC(),
		}).Error
}

// Entry returns the ledger entry for a job, or nil.
func (r *LedgerRepository) Entry(ctx context.Context, jobID string) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func ensureAccount(tx *gorm.DB, userID string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.TokenAccount{UserID: userID}).Error
}
