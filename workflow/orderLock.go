package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireOrderLock serializes rescheduling and failure handling per order
// across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB that will do the mutating transaction.
func AcquireOrderLock(tx *gorm.DB, orderId int) error {
	lockName := fmt.Sprintf("order:%d", orderId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire order lock for order_id=%d", orderId)
	}
	return nil
}

func ReleaseOrderLock(tx *gorm.DB, orderId int) {
	lockName := fmt.Sprintf("order:%d", orderId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
