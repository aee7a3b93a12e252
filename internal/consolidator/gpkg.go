package consolidator

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// GeoPackage is SQLite with a registry layout; the consolidator moves rows
// between containers opaquely and never decodes geometries.

const gpkgApplicationID = 0x47504B47 // "GPKG"

var gpkgBaseline = []string{
	`CREATE TABLE IF NOT EXISTS gpkg_spatial_ref_sys (
		srs_name TEXT NOT NULL,
		srs_id INTEGER NOT NULL PRIMARY KEY,
		organization TEXT NOT NULL,
		organization_coordsys_id INTEGER NOT NULL,
		definition TEXT NOT NULL,
		description TEXT
	)`,
	`INSERT OR IGNORE INTO gpkg_spatial_ref_sys
		(srs_name, srs_id, organization, organization_coordsys_id, definition)
		VALUES
		('Undefined Cartesian SRS', -1, 'NONE', -1, 'undefined'),
		('Undefined Geographic SRS', 0, 'NONE', 0, 'undefined'),
		('WGS 84', 4326, 'EPSG', 4326, 'GEOGCS["WGS 84",DATUM["WGS_1984"]]')`,
	`CREATE TABLE IF NOT EXISTS gpkg_contents (
		table_name TEXT NOT NULL PRIMARY KEY,
		data_type TEXT NOT NULL,
		identifier TEXT UNIQUE,
		description TEXT DEFAULT '',
		last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
		min_x DOUBLE, min_y DOUBLE, max_x DOUBLE, max_y DOUBLE,
		srs_id INTEGER,
		CONSTRAINT fk_gc_r_srs_id FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
	)`,
	`CREATE TABLE IF NOT EXISTS gpkg_geometry_columns (
		table_name TEXT NOT NULL,
		column_name TEXT NOT NULL,
		geometry_type_name TEXT NOT NULL,
		srs_id INTEGER NOT NULL,
		z TINYINT NOT NULL,
		m TINYINT NOT NULL,
		CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name),
		CONSTRAINT fk_gc_tn FOREIGN KEY (table_name) REFERENCES gpkg_contents(table_name),
		CONSTRAINT fk_gc_srs FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
	)`,
}

// openContainer opens (creating if needed) a destination container and lays
// down the GeoPackage registry tables on first touch. The pool is pinned to
// a single connection so ATTACH and the merge transaction share it.
func openContainer(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open container %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA application_id = %d", gpkgApplicationID)); err != nil {
		db.Close()
		return nil, fmt.Errorf("container %s: set application id: %w", path, err)
	}
	for _, stmt := range gpkgBaseline {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("container %s: baseline schema: %w", path, err)
		}
	}
	return db, nil
}

// quoteIdent quotes an SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// layerExists reports whether the named layer is present in the container,
// consulting both the contents registry and the table catalog so a stray
// unregistered table still counts as a collision.
func layerExists(ctx context.Context, q queryer, schema, layer string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s.sqlite_master WHERE type = 'table' AND name = ?`, schema),
		layer,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	err = q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s.gpkg_contents WHERE table_name = ?`, schema),
		layer,
	).Scan(&n)
	if err != nil {
		// Attached artifacts are not required to carry a registry.
		if strings.Contains(err.Error(), "no such table") {
			return false, nil
		}
		return false, err
	}
	return n > 0, nil
}

// queryer is the subset of *sql.DB / *sql.Tx the helpers need.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}
