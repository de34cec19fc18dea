// Package database provides SQLite database connectivity for the BACnet hub.
//
// The hub persists two things: configuration entries (one per hub
// instance) and the imported remote points with their enabled flag. Both
// live in a single SQLite file opened in WAL mode with foreign keys on, so
// deleting an entry cascades to its imported rows.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive-only: new columns must be NULLABLE or carry a
// DEFAULT, and every .up.sql has a matching .down.sql. The migration files
// are embedded by the top-level migrations package, which sets
// MigrationsFS from its init function.
package database
