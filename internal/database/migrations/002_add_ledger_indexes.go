package migrations

import "gorm.io/gorm"

// AddLedgerIndexes creates indexes for position listing by account.
func AddLedgerIndexes(db *gorm.DB) error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_positions_account
		 ON positions(account_id)`,

		`CREATE INDEX IF NOT EXISTS idx_applied_fills_account_symbol
		 ON applied_fills(account_id, symbol)`,
	}

	return createIndexes(db, indexes)
}
