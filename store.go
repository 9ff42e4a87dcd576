package repnet

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// A Store persists the ban list and the session log
type Store struct {
	db     *sql.DB
	driver string
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS ban (
	addr VARCHAR(64) NOT NULL PRIMARY KEY,
	reason VARCHAR(512) NOT NULL
);
CREATE TABLE IF NOT EXISTS session (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	driver VARCHAR(64) NOT NULL,
	addr VARCHAR(64) NOT NULL,
	opened BIGINT NOT NULL,
	closed BIGINT NOT NULL,
	reason VARCHAR(512) NOT NULL,
	stats BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS plugin_storage (
	key VARCHAR(512) NOT NULL PRIMARY KEY,
	value VARCHAR(512) NOT NULL
);
`

const psqlSchema = `CREATE TABLE IF NOT EXISTS ban (
	addr VARCHAR(64) NOT NULL PRIMARY KEY,
	reason VARCHAR(512) NOT NULL
);
CREATE TABLE IF NOT EXISTS session (
	id SERIAL PRIMARY KEY,
	driver VARCHAR(64) NOT NULL,
	addr VARCHAR(64) NOT NULL,
	opened BIGINT NOT NULL,
	closed BIGINT NOT NULL,
	reason VARCHAR(512) NOT NULL,
	stats BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS plugin_storage (
	key VARCHAR(512) NOT NULL PRIMARY KEY,
	value VARCHAR(512) NOT NULL
);
`

// OpenStore opens the database described by c and creates
// the required tables if they don't exist
func OpenStore(c StoreConfig) (*Store, error) {
	switch c.Driver {
	case "sqlite3", "":
		return OpenSQLite3(c.DSN)
	case "postgres":
		return OpenPSQL(c.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", c.Driver)
	}
}

// OpenSQLite3 opens and returns a SQLite3 store
func OpenSQLite3(name string) (*Store, error) {
	if dir := filepath.Dir(name); dir != "." {
		os.MkdirAll(dir, 0777)
	}

	db, err := sql.Open("sqlite3", name)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, driver: "sqlite3"}, nil
}

// OpenPSQL opens and returns a PostgreSQL store,
// dsn is a lib/pq connection string
func OpenPSQL(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(psqlSchema); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, driver: "postgres"}, nil
}

// Close closes the database
func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders for the database driver
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

// A SessionRecord describes one finished connection
type SessionRecord struct {
	Driver string
	Addr   string
	Opened time.Time
	Closed time.Time
	Reason string
	Stats  Stats
}

// LogSession appends r to the session log
func (s *Store) LogSession(r SessionRecord) error {
	stats, err := r.Stats.EncodeCBOR()
	if err != nil {
		return err
	}

	_, err = s.db.Exec(s.rebind(`INSERT INTO session (
		driver,
		addr,
		opened,
		closed,
		reason,
		stats
	) VALUES (
		?,
		?,
		?,
		?,
		?,
		?
	);`), r.Driver, r.Addr, r.Opened.UnixNano(), r.Closed.UnixNano(), r.Reason, stats)
	return err
}

// Sessions returns the latest limit session records, newest first
func (s *Store) Sessions(limit int) ([]SessionRecord, error) {
	rows, err := s.db.Query(s.rebind(`SELECT driver, addr, opened, closed, reason, stats
		FROM session ORDER BY id DESC LIMIT ?;`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var r []SessionRecord
	for rows.Next() {
		var (
			rec            SessionRecord
			opened, closed int64
			stats          []byte
		)

		if err := rows.Scan(&rec.Driver, &rec.Addr, &opened, &closed, &rec.Reason, &stats); err != nil {
			return nil, err
		}

		rec.Opened = time.Unix(0, opened)
		rec.Closed = time.Unix(0, closed)
		if rec.Stats, err = DecodeStats(stats); err != nil {
			return nil, err
		}

		r = append(r, rec)
	}

	return r, rows.Err()
}
