package notify

import (
	"errors"

	"gorm.io/gorm"
)

// NotifyTx emits a Postgres NOTIFY inside the caller's transaction. The
// notification is delivered only when the transaction commits, which is what
// ties the wakeup to the enqueue becoming visible.
func NotifyTx(tx *gorm.DB, channel, message string) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if channel == "" {
		return errors.New("channel is required")
	}
	return tx.Exec("SELECT pg_notify(?, ?)", channel, message).Error
}
