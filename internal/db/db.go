// Package db opens the workspace SQLite database. All state for one
// workspace lives in a single file under .rosterline/.
package db

import (
	"database/sql"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dbFile = "rosterline.db"

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the .rosterline directory if missing and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := stateDir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open ensures the workspace exists and opens its database. Foreign
// keys are enforced and writers wait on the busy timeout instead of
// failing, since the CLI and the server may share one workspace.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(wal)")
	conn, err := sql.Open("sqlite", "file:"+Path(cfg.Workspace)+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the database file path for the workspace.
func Path(workspace string) string {
	return filepath.Join(stateDir(workspace), dbFile)
}

func stateDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".rosterline")
}
