package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/packrelay/pkg/db/models"
	"github.com/angelmondragon/packrelay/pkg/enums"
)

const maxLastErrorLen = 1024

// ErrNotDeadLettered is returned by Requeue when the target item never
// reached the dead-letter terminal state.
var ErrNotDeadLettered = errors.New("queue item is not dead-lettered")

// Store persists queue items and implements the atomic claim protocol.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// EnqueueTx inserts a pending item inside the caller's transaction so the
// item commits or rolls back together with the business mutation.
func (s *Store) EnqueueTx(tx *gorm.DB, kind enums.QueueKind, payload json.RawMessage) (uuid.UUID, error) {
	if tx == nil {
		return uuid.Nil, errors.New("transaction required")
	}
	item := models.QueueItem{
		ID:      uuid.New(),
		Kind:    kind,
		Payload: payload,
		Status:  enums.QueueStatusPending,
	}
	if err := tx.Create(&item).Error; err != nil {
		return uuid.Nil, err
	}
	return item.ID, nil
}

// ClaimBatch atomically claims up to limit eligible items: pending rows and
// processing rows whose lease has expired, oldest first, never terminal rows.
// Selection and the lease update happen in one transaction; under Postgres the
// select takes row locks with SKIP LOCKED so concurrent claimers never block
// on each other and never receive the same row.
func (s *Store) ClaimBatch(ctx context.Context, limit int, leaseDuration time.Duration) ([]models.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	leaseExpiry := now.Add(leaseDuration)

	var claimed []models.QueueItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&models.QueueItem{}).
			Where("processed_at IS NULL AND dead_lettered_at IS NULL").
			Where(
				tx.Where("status = ?", enums.QueueStatusPending).
					Or("status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?", enums.QueueStatusProcessing, now),
			).
			Order("created_at ASC").
			Limit(limit)
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var ids []uuid.UUID
		if err := query.Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		updates := map[string]any{
			"status":           enums.QueueStatusProcessing,
			"lease_expires_at": leaseExpiry,
			"updated_at":       now,
		}
		if err := tx.Model(&models.QueueItem{}).Where("id IN ?", ids).Updates(updates).Error; err != nil {
			return err
		}

		return tx.Where("id IN ?", ids).Order("created_at ASC").Find(&claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkProcessed records terminal success and counts the successful attempt.
// Idempotent: a second call matches no rows and leaves the first outcome
// untouched, including the attempt count.
func (s *Store) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("id = ? AND processed_at IS NULL AND dead_lettered_at IS NULL", id).
		Updates(map[string]any{
			"status":           enums.QueueStatusCompleted,
			"attempts":         gorm.Expr("attempts + 1"),
			"processed_at":     now,
			"lease_expires_at": nil,
			"updated_at":       now,
		}).Error
}

// MarkFailed increments attempts and records the failure. When the new
// attempt count reaches maxAttempts the item dead-letters in the same update,
// otherwise it returns to the claimable pool with its lease cleared.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, failure error, maxAttempts int) error {
	message := truncateError(failure)
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Exec(`
		UPDATE queue_items
		SET attempts = attempts + 1,
		    last_error = ?,
		    lease_expires_at = NULL,
		    updated_at = ?,
		    status = CASE WHEN attempts + 1 >= ? THEN ? ELSE ? END,
		    dead_lettered_at = CASE WHEN attempts + 1 >= ? THEN ? ELSE NULL END
		WHERE id = ? AND processed_at IS NULL AND dead_lettered_at IS NULL`,
		message, now,
		maxAttempts, enums.QueueStatusDeadLetter, enums.QueueStatusPending,
		maxAttempts, now,
		id,
	).Error
}

// QueueDepth counts non-terminal items for a kind.
func (s *Store) QueueDepth(ctx context.Context, kind enums.QueueKind) (int64, error) {
	var depth int64
	err := s.db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("kind = ? AND processed_at IS NULL AND dead_lettered_at IS NULL", kind).
		Count(&depth).Error
	return depth, err
}

// ListDeadLettered returns recent dead-lettered items for operator inspection.
func (s *Store) ListDeadLettered(ctx context.Context, kind enums.QueueKind, limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.WithContext(ctx).
		Where("dead_lettered_at IS NOT NULL").
		Order("dead_lettered_at DESC").
		Limit(limit)
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	var rows []models.QueueItem
	err := query.Find(&rows).Error
	return rows, err
}

// Requeue replays a dead-lettered item by enqueueing a fresh pending copy of
// its payload. The original row stays immutable so the dead-letter record is
// preserved for auditing.
func (s *Store) Requeue(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	var newID uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item models.QueueItem
		if err := tx.Where("id = ?", id).First(&item).Error; err != nil {
			return err
		}
		if item.DeadLetteredAt == nil {
			return ErrNotDeadLettered
		}
		replayed, err := s.EnqueueTx(tx, item.Kind, item.Payload)
		if err != nil {
			return err
		}
		newID = replayed
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return newID, nil
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	message := err.Error()
	if len(message) <= maxLastErrorLen {
		return message
	}
	return message[:maxLastErrorLen]
}
