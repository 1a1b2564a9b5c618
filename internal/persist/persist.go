// Copyright 2025 The mailsort Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist stores the engine's durable state: the sync cursor
// and the current watch lease.  Both are written only after the work
// they describe has fully completed, so a crash can at worst cause
// idempotent re-processing.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tmcfarlane/mailsort/internal/message"
)

var createTableSQL = []string{
	// The sync_cursor table holds the history ID of each fully
	// processed synchronization pass.
	//
	// Field: history_id
	//
	//   GMail API: the "historyId" marker, stored in an
	//   order-preserving signed encoding (see orderedToSigned).
	//
	// Notes:
	//
	//   The highest row is the current cursor: every change up to
	//   and including it has been labeled.  Rows are appended
	//   after each successful pass and never decrease, except via
	//   an explicit reset when the remote side reports the cursor
	//   is beyond its retention window.
	`
CREATE TABLE IF NOT EXISTS sync_cursor (
history_id INTEGER NOT NULL,
PRIMARY KEY (history_id)
);`,
	// The watch_lease table holds the single active watch
	// subscription, if any.
	//
	// Field: history_id
	//
	//   The mailbox history ID reported when the watch was
	//   created.
	//
	// Field: expires_at
	//
	//   Lease expiry as Unix milliseconds.
	//
	// Field: topic
	//
	//   The fully qualified Pub/Sub topic the watch publishes to.
	`
CREATE TABLE IF NOT EXISTS watch_lease (
id INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
history_id INTEGER NOT NULL,
expires_at INTEGER NOT NULL,
topic TEXT NOT NULL
);`,
}

// DB is the on-disk store.
type DB struct {
	db *sql.DB
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens (and if needed creates) the store at path.
func Open(ctx context.Context, path string) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from the given path", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q", path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the database schema", path)
	}

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range createTableSQL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "while executing %q", stmt)
		}
	}
	return nil
}

// History IDs are unsigned 64 bit values, but SQLite integers are
// signed.  Shift the range so numeric ordering is preserved.

func orderedToSigned(u uint64) int64 {
	return int64(u - -math.MinInt64) // Imagine 0..255 -> -128..127
}

func orderedToUnsigned(s int64) uint64 {
	return uint64(s) + -math.MinInt64 // Imagine -128..127 -> 0..255
}

// Cursor returns the current sync cursor, or 0 when no pass has ever
// completed.
func (db *DB) Cursor(ctx context.Context) (uint64, error) {
	const q = `SELECT history_id FROM sync_cursor ORDER BY history_id DESC LIMIT 1`
	row := db.db.QueryRowContext(ctx, q)
	var id int64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, errors.Wrap(err, "reading sync cursor")
	}
	return orderedToUnsigned(id), nil
}

// WriteCursor advances the cursor.  Equal values are a no-op;
// decreases are refused, preserving monotonicity.
func (db *DB) WriteCursor(ctx context.Context, historyID uint64) error {
	latest, err := db.Cursor(ctx)
	if err != nil {
		return err
	}
	if historyID == latest {
		return nil
	}
	if historyID < latest {
		return errors.Errorf(
			"attempt to decrease the sync cursor from %d to %d", latest, historyID)
	}

	const stmt = `INSERT INTO sync_cursor (history_id) values ($1)`
	if _, err := db.db.ExecContext(ctx, stmt, orderedToSigned(historyID)); err != nil {
		return errors.Wrap(err, "writing sync cursor")
	}
	return nil
}

// ResetCursor discards cursor history and re-seeds it.  Only the
// catch-up path uses this, after the remote side has reported the old
// cursor unresolvable and a full scan has completed.
func (db *DB) ResetCursor(ctx context.Context, historyID uint64) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_cursor`); err != nil {
		return errors.Wrap(err, "clearing sync cursor")
	}
	const stmt = `INSERT INTO sync_cursor (history_id) values ($1)`
	if _, err := tx.ExecContext(ctx, stmt, orderedToSigned(historyID)); err != nil {
		return errors.Wrap(err, "re-seeding sync cursor")
	}
	return errors.Wrap(tx.Commit(), "committing cursor reset")
}

// Lease returns the persisted watch lease.  The second result is
// false when no watch has ever been established.
func (db *DB) Lease(ctx context.Context) (message.Lease, bool, error) {
	const q = `SELECT history_id, expires_at, topic FROM watch_lease WHERE id = 1`
	row := db.db.QueryRowContext(ctx, q)
	var (
		id      int64
		expires int64
		topic   string
	)
	if err := row.Scan(&id, &expires, &topic); err != nil {
		if err == sql.ErrNoRows {
			return message.Lease{}, false, nil
		}
		return message.Lease{}, false, errors.Wrap(err, "reading watch lease")
	}
	return message.Lease{
		HistoryID: orderedToUnsigned(id),
		ExpiresAt: time.UnixMilli(expires),
		Topic:     topic,
	}, true, nil
}

// WriteLease replaces the persisted watch lease.
func (db *DB) WriteLease(ctx context.Context, lease message.Lease) error {
	const stmt = `
INSERT INTO watch_lease (id, history_id, expires_at, topic) values (1, $1, $2, $3)
ON CONFLICT (id) DO UPDATE SET (history_id, expires_at, topic) = ($1, $2, $3)`
	_, err := db.db.ExecContext(ctx, stmt,
		orderedToSigned(lease.HistoryID), lease.ExpiresAt.UnixMilli(), lease.Topic)
	return errors.Wrap(err, "writing watch lease")
}
