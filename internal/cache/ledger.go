package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hollis-labs/marquee/internal/apperr"
)

const ledgerSchemaSQL = `
CREATE TABLE IF NOT EXISTS assets (
	name        TEXT PRIMARY KEY,
	url         TEXT NOT NULL DEFAULT '',
	size_bytes  INTEGER NOT NULL DEFAULT 0,
	hits        INTEGER NOT NULL DEFAULT 0,
	last_access DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_assets_last_access ON assets(last_access);
`

// Ledger is the SQLite-backed record of cache entries. It tracks what the
// cache holds, how large each entry is, and when it was last served. The
// ledger never gates correctness: eviction and hit checks operate on the
// filesystem, and the watcher reconciles the ledger after the fact.
type Ledger struct {
	conn *sql.DB
}

// OpenLedger opens (or creates) the ledger database and applies the schema.
func OpenLedger(dsn string) (*Ledger, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("ledger: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	if _, err := conn.Exec(ledgerSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}
	return &Ledger{conn: conn}, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.conn.Close()
}

// Record upserts an entry after a completed download. An entry re-downloaded
// under the same name keeps its hit counter.
func (l *Ledger) Record(name, url string, size int64) error {
	_, err := l.conn.Exec(`
		INSERT INTO assets (name, url, size_bytes, last_access)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			url         = CASE WHEN excluded.url != '' THEN excluded.url ELSE assets.url END,
			size_bytes  = excluded.size_bytes,
			last_access = excluded.last_access
	`, name, url, size, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ledger: record %s: %w", name, err)
	}
	return nil
}

// Touch bumps the hit counter and last-access time for a resolve hit.
func (l *Ledger) Touch(name string) error {
	res, err := l.conn.Exec(`
		UPDATE assets SET hits = hits + 1, last_access = ? WHERE name = ?
	`, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("ledger: touch %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger: %w: %s", apperr.ErrNotFound, name)
	}
	return nil
}

// Delete removes an entry, typically after eviction.
func (l *Ledger) Delete(name string) error {
	if _, err := l.conn.Exec(`DELETE FROM assets WHERE name = ?`, name); err != nil {
		return fmt.Errorf("ledger: delete %s: %w", name, err)
	}
	return nil
}

// Entry is one ledger row.
type Entry struct {
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	SizeBytes  int64     `json:"size_bytes"`
	Hits       int64     `json:"hits"`
	LastAccess time.Time `json:"last_access"`
}

// Get returns a single entry by name.
func (l *Ledger) Get(name string) (*Entry, error) {
	row := l.conn.QueryRow(`
		SELECT name, url, size_bytes, hits, last_access FROM assets WHERE name = ?
	`, name)
	var e Entry
	if err := row.Scan(&e.Name, &e.URL, &e.SizeBytes, &e.Hits, &e.LastAccess); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ledger: %w: %s", apperr.ErrNotFound, name)
		}
		return nil, fmt.Errorf("ledger: get %s: %w", name, err)
	}
	return &e, nil
}

// Entries returns all rows ordered by last access, most recent first.
func (l *Ledger) Entries() ([]Entry, error) {
	rows, err := l.conn.Query(`
		SELECT name, url, size_bytes, hits, last_access FROM assets ORDER BY last_access DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Name, &e.URL, &e.SizeBytes, &e.Hits, &e.LastAccess); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AllNames returns the set of recorded entry names, used by the watcher's
// reconciliation pass.
func (l *Ledger) AllNames() (map[string]struct{}, error) {
	rows, err := l.conn.Query(`SELECT name FROM assets`)
	if err != nil {
		return nil, fmt.Errorf("ledger: all names: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("ledger: scan name: %w", err)
		}
		out[name] = struct{}{}
	}
	return out, rows.Err()
}

// TotalHits sums hit counters across all entries.
func (l *Ledger) TotalHits() (int64, error) {
	var total int64
	err := l.conn.QueryRow(`SELECT COALESCE(SUM(hits), 0) FROM assets`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ledger: total hits: %w", err)
	}
	return total, nil
}
