package db

const (
	GetRecord = `SELECT value FROM records WHERE collection = ? AND key = ?`

	ListRecordKeys = `SELECT key FROM records WHERE collection = ? ORDER BY key ASC`

	UpsertRecord = `
		INSERT INTO records (collection, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`

	DeleteRecord = `DELETE FROM records WHERE collection = ? AND key = ?`

	CountRecords = `SELECT COUNT(*) FROM records WHERE collection = ?`
)
