// Package mapping persists entity mappings and the LLM extraction cache in
// an embedded sqlite database.
//
// Two tables back two different overwrite policies:
//
//   - entity_mappings: first insertion wins. Once a fake value exists for
//     (entity_type, original) it never changes, which is what makes fakes
//     stable across messages and sessions.
//   - llm_cache: latest wins. A fresh extraction for the same (text, model)
//     replaces the previous one.
//
// Original values are stored as FNV-1a hashes; the digest is only a lookup
// key, not a security boundary. The cache table keeps plaintext because the
// prompt cache is not one either.
//
// Each Store handle caps itself at a single connection; workers that need
// concurrent access open their own handle on the same file. A bounded
// in-memory S3-FIFO layer fronts the per-entity lookup path.
package mapping

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mcp-conceal/internal/logger"
	"mcp-conceal/internal/pii"
)

//go:embed schema.sql
var schemaSQL string

const frontCacheCapacity = 4096

// Key identifies one mapping row.
type Key struct {
	EntityType string
	Original   string
}

// Stats summarizes store contents.
type Stats struct {
	TotalMappings     int64
	TotalCacheEntries int64
	ByType            map[string]int64
	OldestMappingAge  time.Duration
}

// Store is one handle on the mapping database.
type Store struct {
	db        *sql.DB
	path      string
	retention *int
	front     *frontCache
	log       *logger.Logger
}

// Open opens or creates the database at path (":memory:" for ephemeral),
// applies the schema, and sweeps expired rows. retentionDays nil means rows
// never expire.
func Open(path string, retentionDays *int, log *logger.Logger) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database dir: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close() //nolint:errcheck // open failed, best-effort cleanup
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	s := &Store{
		db:        db,
		path:      path,
		retention: retentionDays,
		front:     newFrontCache(frontCacheCapacity),
		log:       log,
	}

	if n, err := s.SweepExpired(); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("initial sweep: %w", err)
	} else if n > 0 && log != nil {
		log.Infof("store_open", "swept %d expired rows", n)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database location this handle was opened with.
func (s *Store) Path() string { return s.path }

// hashValue computes the FNV-1a 64-bit digest of v as lowercase hex.
func hashValue(v string) string {
	h := fnv.New64a()
	h.Write([]byte(v)) //nolint:errcheck // fnv never errors
	return fmt.Sprintf("%016x", h.Sum64())
}

// PutMapping stores a fake for (entity_type, original). If a row already
// exists it is kept untouched.
func (s *Store) PutMapping(ent pii.AnonymizedEntity) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO entity_mappings (entity_type, original_value_hash, fake_value) VALUES (?, ?, ?)`,
		ent.EntityType, hashValue(ent.OriginalValue), ent.FakeValue,
	)
	if err != nil {
		return fmt.Errorf("put mapping: %w", err)
	}
	// The row that won may predate this call; cache whatever sqlite holds.
	if fake, ok, err := s.getMappingDB(ent.EntityType, ent.OriginalValue); err == nil && ok {
		s.front.Set(frontKey(ent.EntityType, ent.OriginalValue), fake)
	}
	return nil
}

// GetMapping returns the fake for (entityType, original), consulting the
// in-memory front cache before sqlite.
func (s *Store) GetMapping(entityType, original string) (string, bool, error) {
	key := frontKey(entityType, original)
	if fake, ok := s.front.Get(key); ok {
		return fake, true, nil
	}
	fake, ok, err := s.getMappingDB(entityType, original)
	if err != nil || !ok {
		return "", false, err
	}
	s.front.Set(key, fake)
	return fake, true, nil
}

func (s *Store) getMappingDB(entityType, original string) (string, bool, error) {
	var fake string
	err := s.db.QueryRow(
		`SELECT fake_value FROM entity_mappings WHERE entity_type = ? AND original_value_hash = ?`,
		entityType, hashValue(original),
	).Scan(&fake)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get mapping: %w", err)
	}
	return fake, true, nil
}

// PutMappingsBatch inserts a list of mappings in one transaction. Any
// failure rolls back the whole batch.
func (s *Store) PutMappingsBatch(entities []pii.AnonymizedEntity) error {
	if len(entities) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO entity_mappings (entity_type, original_value_hash, fake_value) VALUES (?, ?, ?)`,
	)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, ent := range entities {
		if _, err := stmt.Exec(ent.EntityType, hashValue(ent.OriginalValue), ent.FakeValue); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("batch insert %s: %w", ent.EntityType, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// GetMappingsBatch looks up a set of keys. Misses are omitted from the
// returned map, which is keyed by original value.
func (s *Store) GetMappingsBatch(keys []Key) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		fake, ok, err := s.GetMapping(k.EntityType, k.Original)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k.Original] = fake
		}
	}
	return out, nil
}

// PutLLMCache stores the extraction result for (text, model), replacing any
// previous row.
func (s *Store) PutLLMCache(text, model string, entities []pii.DetectedEntity) error {
	blob, err := json.Marshal(entities)
	if err != nil {
		return fmt.Errorf("encoding llm result: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO llm_cache (text_hash, original_text, llm_result, model_name) VALUES (?, ?, ?, ?)`,
		hashValue(text), text, string(blob), model,
	)
	if err != nil {
		return fmt.Errorf("put llm cache: %w", err)
	}
	return nil
}

// GetLLMCache returns the cached extraction for (text, model), or ok=false
// on miss.
func (s *Store) GetLLMCache(text, model string) ([]pii.DetectedEntity, bool, error) {
	var blob string
	err := s.db.QueryRow(
		`SELECT llm_result FROM llm_cache WHERE text_hash = ? AND model_name = ?`,
		hashValue(text), model,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get llm cache: %w", err)
	}
	var entities []pii.DetectedEntity
	if err := json.Unmarshal([]byte(blob), &entities); err != nil {
		return nil, false, fmt.Errorf("decoding llm cache row: %w", err)
	}
	return entities, true, nil
}

// SweepExpired deletes rows older than the retention window from both
// tables and returns the total deleted. Without a retention it is a no-op.
func (s *Store) SweepExpired() (int64, error) {
	if s.retention == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-time.Duration(*s.retention) * 24 * time.Hour).Unix()

	// Retention 0 means nothing survives; the comparison must be inclusive
	// or rows created in the current second would outlive the sweep.
	op := "<"
	if *s.retention == 0 {
		op = "<="
	}

	var total int64
	for _, table := range []string{"entity_mappings", "llm_cache"} {
		res, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE created_at %s ?", table, op), cutoff)
		if err != nil {
			return total, fmt.Errorf("sweeping %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		s.front.Purge()
	}
	return total, nil
}

// ClearMappings truncates entity_mappings and returns the row count.
func (s *Store) ClearMappings() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM entity_mappings`)
	if err != nil {
		return 0, fmt.Errorf("clear mappings: %w", err)
	}
	s.front.Purge()
	n, _ := res.RowsAffected()
	return n, nil
}

// ClearCache truncates llm_cache and returns the row count.
func (s *Store) ClearCache() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM llm_cache`)
	if err != nil {
		return 0, fmt.Errorf("clear cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats reports row totals, the per-type breakdown, and the age of the
// oldest mapping.
func (s *Store) Stats() (Stats, error) {
	st := Stats{ByType: make(map[string]int64)}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM entity_mappings`).Scan(&st.TotalMappings); err != nil {
		return st, fmt.Errorf("stats mappings: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM llm_cache`).Scan(&st.TotalCacheEntries); err != nil {
		return st, fmt.Errorf("stats cache: %w", err)
	}

	rows, err := s.db.Query(`SELECT entity_type, COUNT(*) FROM entity_mappings GROUP BY entity_type`)
	if err != nil {
		return st, fmt.Errorf("stats by type: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return st, fmt.Errorf("stats scan: %w", err)
		}
		st.ByType[t] = n
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("stats rows: %w", err)
	}

	var oldest sql.NullInt64
	if err := s.db.QueryRow(`SELECT MIN(created_at) FROM entity_mappings`).Scan(&oldest); err != nil {
		return st, fmt.Errorf("stats oldest: %w", err)
	}
	if oldest.Valid {
		st.OldestMappingAge = time.Since(time.Unix(oldest.Int64, 0))
	}
	return st, nil
}
