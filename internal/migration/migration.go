package migration

import (
	"database/sql"

	"go.uber.org/zap"
)

// Run executes all database migrations
func Run(db *sql.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := createTables(db); err != nil {
		return err
	}

	// Incremental migrations (idempotent)
	migrateHistoryOutcome(db, logger)
	migrateUploadIndex(db, logger)

	return nil
}

func createTables(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS environments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    variables TEXT DEFAULT '[]',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS oauth_tokens (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS request_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT,
    environment_id INTEGER REFERENCES environments(id) ON DELETE SET NULL,
    method TEXT NOT NULL,
    url TEXT NOT NULL,
    body_type TEXT NOT NULL DEFAULT 'none',
    request_body TEXT NOT NULL DEFAULT '',
    status_code INTEGER,
    duration_ms INTEGER,
    error TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS uploaded_files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    original_name TEXT NOT NULL,
    stored_name TEXT NOT NULL,
    content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
    size INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_history_created ON request_history(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_history_request ON request_history(request_id);
`
	_, err := db.Exec(schema)
	return err
}

func migrateHistoryOutcome(db *sql.DB, logger *zap.Logger) {
	stmts := []string{
		"ALTER TABLE request_history ADD COLUMN passed INTEGER NOT NULL DEFAULT 0",
		"ALTER TABLE request_history ADD COLUMN result TEXT",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			// Ignore "duplicate column" errors
			logger.Debug("migration step skipped", zap.String("stmt", s), zap.Error(err))
		}
	}
}

func migrateUploadIndex(db *sql.DB, logger *zap.Logger) {
	if _, err := db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_uploaded_files_stored ON uploaded_files(stored_name)"); err != nil {
		logger.Warn("upload index", zap.Error(err))
	}
}
