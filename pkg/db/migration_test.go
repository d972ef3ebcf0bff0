package db

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// TestInitDBCreatesSchema verifies InitDB creates the three record tables plus the lemma
// and card index tables, and that running it twice is harmless.
func TestInitDBCreatesSchema(t *testing.T) {
	dbConn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer dbConn.Close()
	dbConn.SetMaxOpenConns(1)

	for i := 0; i < 2; i++ {
		if err := InitDB(dbConn); err != nil {
			t.Fatalf("InitDB run %d failed: %v", i+1, err)
		}
	}

	for _, table := range []string{"meta", "tokens", "token_lemmas", "token_cards", "anki_cards"} {
		var name string
		if err := dbConn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name); err != nil {
			t.Fatalf("%s table missing: %v", table, err)
		}
	}

	rows, err := dbConn.Query("PRAGMA table_info(meta)")
	if err != nil {
		t.Fatalf("pragmas: %v", err)
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		var cid int
		var colName, ctype string
		var notnull, pk int
		var dfltVal interface{}
		if err := rows.Scan(&cid, &colName, &ctype, &notnull, &dfltVal, &pk); err != nil {
			t.Fatalf("scan col: %v", err)
		}
		cols[colName] = true
	}
	for _, c := range []string{"last_build_started_at", "last_build_expires_at", "build_id", "settings"} {
		if !cols[c] {
			t.Fatalf("expected column %s in meta, got %v", c, cols)
		}
	}
}

func TestOpenFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	conn, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()
	var mode string
	if err := conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected wal journal mode, got %q", mode)
	}
	if _, err := Open(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
