// Package database provides SQLite connectivity for the MoIP manager's local
// settings store.
//
// The companion web application owns the settings rows; the manager reads
// controller connection settings from them before every connection attempt.
// Migrations are embedded (see the migrations package) and forward-only.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
