package models

import (
	"database/sql"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// migrateDB runs all migrations on a single database
func migrateDB(db *sql.DB) error {
	sequences := []string{
		DDLCreateAdaptersSequence,
		DDLCreateStoresSequence,
		DDLCreateContentTypesSequence,
		DDLCreateChangesSequence,
		DDLCreateNotesSequence,
	}

	for _, seqSQL := range sequences {
		if _, err := db.Exec(seqSQL); err != nil {
			logger.LogErr(err, "failed to create sequence", "sql", seqSQL)
			// Continue even if sequence exists
		}
	}

	tables := []struct {
		name string
		ddl  string
	}{
		{"adapters", DDLCreateAdaptersTable},
		{"device_info", DDLCreateDeviceInfoTable},
		{"stores", DDLCreateStoresTable},
		{"content_types", DDLCreateContentTypesTable},
		{"bindings", DDLCreateBindingsTable},
		{"changes", DDLCreateChangesTable},
		{"mappings", DDLCreateMappingsTable},
		{"notes", DDLCreateNotesTable},
	}

	for _, table := range tables {
		if _, err := db.Exec(table.ddl); err != nil {
			return serr.Wrap(err, "failed to create table", "table", table.name)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_stores_adapter ON stores(adapter_id)",
		"CREATE INDEX IF NOT EXISTS idx_changes_store ON changes(store_id)",
		"CREATE INDEX IF NOT EXISTS idx_mappings_luid ON mappings(store_id, luid)",
	}

	for _, indexSQL := range indexes {
		if _, err := db.Exec(indexSQL); err != nil {
			logger.LogErr(err, "failed to create index", "sql", indexSQL)
			// Continue with other indexes even if one fails
		}
	}

	logger.Info("Database migration completed successfully")
	return nil
}
