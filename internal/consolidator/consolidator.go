// Package consolidator merges per-job geospatial outputs into shared
// destination containers under collision-free identity invariants.
package consolidator

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"reconbatch/internal/job"
)

// Error reports a consolidation failure: a naming collision or a broken
// write. Collisions signal a caller-side naming bug, not a transient fault,
// so consolidation errors are never retried.
type Error struct {
	Container string
	Layer     string
	Reason    string
}

func (e *Error) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("consolidation: container %s layer %q: %s", e.Container, e.Layer, e.Reason)
	}
	return fmt.Sprintf("consolidation: container %s: %s", e.Container, e.Reason)
}

// Consolidator folds succeeded jobs' artifacts into shared destination
// stores. Writes into one container serialize behind a per-container lock;
// merges into distinct containers proceed independently. The lock is held
// only across the bounded write transaction, never across a backend wait.
type Consolidator struct {
	log *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Consolidator.
func New(log *slog.Logger) *Consolidator {
	return &Consolidator{
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}
}

func (c *Consolidator) containerLock(path string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[path]
	if !ok {
		l = &sync.Mutex{}
		c.locks[path] = l
	}
	return l
}

// Merge folds every artifact of a succeeded job into its destination
// container according to the artifact's declared write mode. Each artifact
// is one all-or-nothing transaction: on any failure mid-write the
// destination is left exactly as it was.
func (c *Consolidator) Merge(ctx context.Context, j *job.Job) error {
	for _, a := range j.Artifacts {
		if err := c.mergeArtifact(ctx, j.ID, a); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consolidator) mergeArtifact(ctx context.Context, jobID string, a job.OutputArtifact) error {
	dest, err := filepath.Abs(a.Container)
	if err != nil {
		return &Error{Container: a.Container, Layer: a.Layer, Reason: err.Error()}
	}

	lock := c.containerLock(dest)
	lock.Lock()
	defer lock.Unlock()

	c.log.Info("consolidating artifact",
		"job_id", jobID, "artifact", a.Name, "container", dest, "layer", a.Layer, "mode", string(a.Mode))

	switch a.Mode {
	case job.WriteCreateNew:
		return c.createNew(a, dest)
	case job.WriteAppendLayer:
		return c.appendLayer(ctx, a, dest)
	case job.WriteAppendFeatures:
		return c.appendFeatures(ctx, a, dest)
	default:
		return &Error{Container: dest, Layer: a.Layer, Reason: fmt.Sprintf("unknown write mode %q", a.Mode)}
	}
}

// createNew installs the produced artifact as the destination container.
// The copy goes through a temp file and a rename so a crash mid-copy never
// leaves a half-written container in place.
func (c *Consolidator) createNew(a job.OutputArtifact, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return &Error{Container: dest, Reason: "destination already exists (write mode create-new)"}
	}

	src, err := os.Open(a.Path)
	if err != nil {
		return &Error{Container: dest, Reason: fmt.Sprintf("open produced artifact %s: %v", a.Path, err)}
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".merge-*")
	if err != nil {
		return &Error{Container: dest, Reason: err.Error()}
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &Error{Container: dest, Reason: err.Error()}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &Error{Container: dest, Reason: err.Error()}
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return &Error{Container: dest, Reason: err.Error()}
	}
	return nil
}

// withAttached opens the destination, attaches the produced artifact as
// schema "src", runs fn inside one transaction and detaches again.
func (c *Consolidator) withAttached(ctx context.Context, a job.OutputArtifact, dest string, fn func(tx *sql.Tx) error) (err error) {
	if _, statErr := os.Stat(a.Path); statErr != nil {
		return &Error{Container: dest, Layer: a.Layer, Reason: fmt.Sprintf("produced artifact %s missing: %v", a.Path, statErr)}
	}

	// Opening creates the container file, so a failed merge into a
	// previously absent destination must remove it again.
	if _, statErr := os.Stat(dest); os.IsNotExist(statErr) {
		defer func() {
			if err != nil {
				os.Remove(dest)
			}
		}()
	}

	db, err := openContainer(ctx, dest)
	if err != nil {
		return &Error{Container: dest, Layer: a.Layer, Reason: err.Error()}
	}
	defer db.Close()

	// ATTACH cannot run inside a transaction; the pool is pinned to one
	// connection so the attach and the transaction share it.
	if _, err := db.ExecContext(ctx, `ATTACH DATABASE ? AS src`, a.Path); err != nil {
		return &Error{Container: dest, Layer: a.Layer, Reason: fmt.Sprintf("attach produced artifact: %v", err)}
	}
	defer db.ExecContext(context.WithoutCancel(ctx), `DETACH DATABASE src`)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Container: dest, Layer: a.Layer, Reason: err.Error()}
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &Error{Container: dest, Layer: a.Layer, Reason: fmt.Sprintf("commit: %v", err)}
	}
	return nil
}

// appendLayer copies the produced layer into the destination as a new named
// layer. A layer of the same name already present is a data-integrity error.
func (c *Consolidator) appendLayer(ctx context.Context, a job.OutputArtifact, dest string) error {
	return c.withAttached(ctx, a, dest, func(tx *sql.Tx) error {
		exists, err := layerExists(ctx, tx, "main", a.Layer)
		if err != nil {
			return &Error{Container: dest, Layer: a.Layer, Reason: err.Error()}
		}
		if exists {
			return &Error{Container: dest, Layer: a.Layer, Reason: "layer already exists (write mode append-layer)"}
		}

		srcExists, err := layerExists(ctx, tx, "src", a.Layer)
		if err != nil {
			return &Error{Container: dest, Layer: a.Layer, Reason: err.Error()}
		}
		if !srcExists {
			return &Error{Container: dest, Layer: a.Layer, Reason: fmt.Sprintf("produced artifact %s carries no layer %q", a.Path, a.Layer)}
		}

		var createSQL string
		err = tx.QueryRowContext(ctx,
			`SELECT sql FROM src.sqlite_master WHERE type = 'table' AND name = ?`, a.Layer,
		).Scan(&createSQL)
		if err != nil {
			return &Error{Container: dest, Layer: a.Layer, Reason: fmt.Sprintf("read layer schema: %v", err)}
		}
		if _, err := tx.ExecContext(ctx, createSQL); err != nil {
			return &Error{Container: dest, Layer: a.Layer, Reason: fmt.Sprintf("create layer: %v", err)}
		}

		q := quoteIdent(a.Layer)
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO main.%s SELECT * FROM src.%s`, q, q),
		); err != nil {
			return &Error{Container: dest, Layer: a.Layer, Reason: fmt.Sprintf("copy features: %v", err)}
		}

		if err := registerLayer(ctx, tx, a); err != nil {
			return &Error{Container: dest, Layer: a.Layer, Reason: err.Error()}
		}
		return nil
	})
}

// appendFeatures adds the produced records into an existing layer. Every
// incoming record's identifier must be absent from the destination layer.
func (c *Consolidator) appendFeatures(ctx context.Context, a job.OutputArtifact, dest string) error {
	return c.withAttached(ctx, a, dest, func(tx *sql.Tx) error {
		exists, err := layerExists(ctx, tx, "main", a.Layer)
		if err != nil {
			return &Error{Container: dest, Layer: a.Layer, Reason: err.Error()}
		}
		if !exists {
			return &Error{Container: dest, Layer: a.Layer, Reason: "layer does not exist (write mode append-features)"}
		}
		srcExists, err := layerExists(ctx, tx, "src", a.Layer)
		if err != nil {
			return &Error{Container: dest, Layer: a.Layer, Reason: err.Error()}
		}
		if !srcExists {
			return &Error{Container: dest, Layer: a.Layer, Reason: fmt.Sprintf("produced artifact %s carries no layer %q", a.Path, a.Layer)}
		}

		idCol, err := primaryKeyColumn(ctx, tx, "src", a.Layer)
		if err != nil {
			return &Error{Container: dest, Layer: a.Layer, Reason: err.Error()}
		}

		q := quoteIdent(a.Layer)
		qid := quoteIdent(idCol)
		var collisions int
		err = tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT COUNT(*) FROM main.%[1]s d JOIN src.%[1]s s ON d.%[2]s = s.%[2]s`, q, qid,
		)).Scan(&collisions)
		if err != nil {
			return &Error{Container: dest, Layer: a.Layer, Reason: fmt.Sprintf("check identifier uniqueness: %v", err)}
		}
		if collisions > 0 {
			return &Error{
				Container: dest,
				Layer:     a.Layer,
				Reason:    fmt.Sprintf("%d feature identifier(s) already present (write mode append-features)", collisions),
			}
		}

		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO main.%[1]s SELECT * FROM src.%[1]s`, q),
		); err != nil {
			return &Error{Container: dest, Layer: a.Layer, Reason: fmt.Sprintf("copy features: %v", err)}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE gpkg_contents SET last_change = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE table_name = ?`,
			a.Layer,
		); err != nil {
			return &Error{Container: dest, Layer: a.Layer, Reason: err.Error()}
		}
		return nil
	})
}

// registerLayer records a newly copied layer in the GeoPackage registry,
// carrying the source's geometry metadata over opaquely when present.
func registerLayer(ctx context.Context, tx *sql.Tx, a job.OutputArtifact) error {
	dataType := "features"
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_contents (table_name, data_type, identifier) VALUES (?, ?, ?)`,
		a.Layer, dataType, a.Layer,
	); err != nil {
		return fmt.Errorf("register layer: %w", err)
	}

	// Geometry metadata and referenced SRS definitions copy over as rows.
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO main.gpkg_spatial_ref_sys SELECT * FROM src.gpkg_spatial_ref_sys`)
	if err == nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO main.gpkg_geometry_columns SELECT * FROM src.gpkg_geometry_columns WHERE table_name = ?`,
			a.Layer)
	}
	if err != nil && !isNoSuchTable(err) {
		return fmt.Errorf("copy layer metadata: %w", err)
	}
	return nil
}

// primaryKeyColumn returns the layer's primary key column, the
// caller-supplied unique identifier of each record.
func primaryKeyColumn(ctx context.Context, q queryer, schema, layer string) (string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`PRAGMA %s.table_info(%s)`, schema, quoteIdent(layer)))
	if err != nil {
		return "", fmt.Errorf("inspect layer %q: %w", layer, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return "", err
		}
		if pk == 1 {
			return name, nil
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("layer %q declares no primary key identifier", layer)
}

func isNoSuchTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
