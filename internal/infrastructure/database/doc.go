// Package database opens the bridge's SQLite store and applies its
// schema migrations.
//
// The store holds the command audit log. It is optional: the bridge runs
// without it when audit.enabled is false.
//
// Migrations are SQL files named YYYYMMDD_HHMMSS_description.up.sql with
// an optional matching .down.sql. They are read from any fs.FS, normally
// the embedded migrations package:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Each migration runs in its own transaction. A failure leaves earlier
// migrations committed and stops before later ones.
package database
