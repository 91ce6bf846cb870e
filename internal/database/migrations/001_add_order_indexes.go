package migrations

import "gorm.io/gorm"

// AddOrderIndexes creates the composite indexes used by order queries and
// the background processor.
func AddOrderIndexes(db *gorm.DB) error {
	indexes := []string{
		// Account blotter: orders for an account, newest first
		`CREATE INDEX IF NOT EXISTS idx_orders_account_created
		 ON orders(account_id, created_at)`,

		// Open-order scans for DAY expiry
		`CREATE INDEX IF NOT EXISTS idx_orders_status_tif
		 ON orders(status, time_in_force)`,

		// Fill replay: unacknowledged fills in arrival order
		`CREATE INDEX IF NOT EXISTS idx_fills_applied_timestamp
		 ON fills(ledger_applied, timestamp)`,
	}

	return createIndexes(db, indexes)
}

func createIndexes(db *gorm.DB, indexes []string) error {
	// MySQL has no IF NOT EXISTS for indexes; AutoMigrate's single-column
	// indexes cover it there.
	if db.Dialector.Name() == "mysql" {
		return nil
	}
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}
