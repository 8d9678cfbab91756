package subscriptions

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// DBFileName is the subscriptions database file under the data directory.
const DBFileName = "subscriptions.db"

// Store persists subscriptions in SQLite so webhook-callback and
// push-stream registrations survive process restarts. Filters are kept
// as a JSON column; they are only ever read back whole.
type Store struct {
	db *sql.DB
}

// OpenStore creates the data directory if needed, opens SQLite with WAL
// mode, and runs migrations.
func OpenStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("subscriptions: create data dir: %w", err)
	}

	db, err := openDB("sqlite", filepath.Join(dataDir, DBFileName))
	if err != nil {
		return nil, fmt.Errorf("subscriptions: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("subscriptions: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("subscriptions: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS subscriptions (
			id            TEXT PRIMARY KEY,
			client_id     TEXT NOT NULL,
			filters       TEXT NOT NULL DEFAULT '[]',
			transport     TEXT NOT NULL,
			endpoint      TEXT,
			last_event_id TEXT,
			created_at    TEXT NOT NULL,
			expires_at    TEXT,
			active        INTEGER NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_subs_client ON subscriptions(client_id);
		CREATE INDEX IF NOT EXISTS idx_subs_active ON subscriptions(active);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts one subscription.
func (s *Store) Save(sub Subscription) error {
	filters, err := json.Marshal(sub.Filters)
	if err != nil {
		return fmt.Errorf("marshaling filters: %w", err)
	}

	var expiresAt any
	if !sub.ExpiresAt.IsZero() {
		expiresAt = sub.ExpiresAt.UTC().Format(time.RFC3339)
	}

	_, err = s.db.Exec(`
		INSERT INTO subscriptions (id, client_id, filters, transport, endpoint, last_event_id, created_at, expires_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filters = excluded.filters,
			endpoint = excluded.endpoint,
			last_event_id = excluded.last_event_id,
			expires_at = excluded.expires_at,
			active = excluded.active`,
		sub.ID, sub.ClientID, string(filters), string(sub.Transport),
		nullable(sub.Endpoint), nullable(sub.LastEventID),
		sub.CreatedAt.UTC().Format(time.RFC3339), expiresAt, boolToInt(sub.Active))
	if err != nil {
		return fmt.Errorf("saving subscription %s: %w", sub.ID, err)
	}
	return nil
}

// UpdateLastEvent advances the resumable-delivery cursor for one
// subscription.
func (s *Store) UpdateLastEvent(id, eventID string) error {
	_, err := s.db.Exec(`UPDATE subscriptions SET last_event_id = ? WHERE id = ?`, eventID, id)
	return err
}

// Delete removes one subscription.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM subscriptions WHERE id = ?`, id)
	return err
}

// LoadActive returns every active subscription not expired at now.
func (s *Store) LoadActive(now time.Time) ([]Subscription, error) {
	rows, err := s.db.Query(`
		SELECT id, client_id, filters, transport, endpoint, last_event_id, created_at, expires_at, active
		FROM subscriptions
		WHERE active = 1 AND (expires_at IS NULL OR expires_at > ?)`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("loading subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var (
			sub                              Subscription
			filtersJSON, createdAt           string
			endpoint, lastEventID, expiresAt sql.NullString
			active                           int
		)
		if err := rows.Scan(&sub.ID, &sub.ClientID, &filtersJSON, &sub.Transport,
			&endpoint, &lastEventID, &createdAt, &expiresAt, &active); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		if err := json.Unmarshal([]byte(filtersJSON), &sub.Filters); err != nil {
			return nil, fmt.Errorf("parsing filters for %s: %w", sub.ID, err)
		}
		sub.Endpoint = endpoint.String
		sub.LastEventID = lastEventID.String
		sub.Active = active == 1
		if sub.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", sub.ID, err)
		}
		if expiresAt.Valid {
			if sub.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt.String); err != nil {
				return nil, fmt.Errorf("parsing expires_at for %s: %w", sub.ID, err)
			}
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
