// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pixelforge/kiln/internal/engine/graph"
)

// SQLiteQueue is a SQLite-backed session queue. Item metadata, status
// transitions and graph-state snapshots are durable; the live execution
// graph (whose invocation bodies are code, not data) is held in memory and
// re-registered by the enqueuing side. Rows whose live state is missing
// after a restart are marked failed on dequeue rather than returned.
type SQLiteQueue struct {
	db *sql.DB

	mu   sync.Mutex
	live map[string]*Item
}

// SQLiteConfig contains SQLite queue configuration.
type SQLiteConfig struct {
	// Path is the filesystem path to the database file. The special value
	// ":memory:" creates an in-memory database.
	Path string
}

// NewSQLiteQueue opens (or creates) the queue database and runs migrations.
func NewSQLiteQueue(cfg SQLiteConfig) (*SQLiteQueue, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// WAL mode for concurrent readers alongside the single writer.
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	q := &SQLiteQueue{db: db, live: make(map[string]*Item)}
	if err := q.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return q, nil
}

// migrate creates the queue schema.
func (q *SQLiteQueue) migrate(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS session_queue (
		item_id    TEXT PRIMARY KEY,
		batch_id   TEXT NOT NULL,
		queue_id   TEXT NOT NULL,
		session_id TEXT NOT NULL,
		status     TEXT NOT NULL,
		error      TEXT NOT NULL DEFAULT '',
		state      TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_queue_status
		ON session_queue(status, created_at);`

	if _, err := q.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}

// Enqueue implements Queue.
func (q *SQLiteQueue) Enqueue(item *Item) error {
	snap, err := json.Marshal(item.State.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to serialize graph state: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	item.Status = StatusPending
	_, err = q.db.Exec(
		`INSERT INTO session_queue (item_id, batch_id, queue_id, session_id, status, error, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, '', ?, ?, ?)`,
		item.ItemID, item.BatchID, item.QueueID, item.SessionID, item.Status, string(snap),
		item.CreatedAt.UTC().Format(time.RFC3339Nano), now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue item %s: %w", item.ItemID, err)
	}

	q.mu.Lock()
	q.live[item.ItemID] = item
	q.mu.Unlock()
	return nil
}

// Dequeue implements Queue.
func (q *SQLiteQueue) Dequeue() (*Item, error) {
	for {
		var itemID string
		err := q.db.QueryRow(
			`SELECT item_id FROM session_queue WHERE status = ? ORDER BY created_at, rowid LIMIT 1`,
			StatusPending,
		).Scan(&itemID)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to dequeue: %w", err)
		}

		q.mu.Lock()
		item, ok := q.live[itemID]
		q.mu.Unlock()
		if !ok {
			// Orphan row from a previous process; its invocation bodies are
			// gone, so it can never run.
			if err := q.SetStatus(itemID, StatusFailed, "execution graph not available after restart"); err != nil {
				return nil, err
			}
			continue
		}

		if err := q.SetStatus(itemID, StatusInProgress, ""); err != nil {
			return nil, err
		}
		item.Status = StatusInProgress
		return item, nil
	}
}

// CancelItem implements Queue.
func (q *SQLiteQueue) CancelItem(itemID, errText string) error {
	q.mu.Lock()
	item, ok := q.live[itemID]
	q.mu.Unlock()
	if ok {
		if err := q.PersistState(itemID, item.State.Snapshot()); err != nil {
			return err
		}
	}
	return q.SetStatus(itemID, StatusCanceled, errText)
}

// SetStatus implements Queue.
func (q *SQLiteQueue) SetStatus(itemID, status, errText string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := q.db.Exec(
		`UPDATE session_queue SET status = ?, error = ?, updated_at = ? WHERE item_id = ?`,
		status, errText, now, itemID,
	)
	if err != nil {
		return fmt.Errorf("failed to update item %s: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrItemNotFound
	}

	q.mu.Lock()
	if item, ok := q.live[itemID]; ok {
		item.Status = status
		item.Error = errText
	}
	q.mu.Unlock()
	return nil
}

// PersistState implements Queue.
func (q *SQLiteQueue) PersistState(itemID string, snap graph.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to serialize graph state: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := q.db.Exec(
		`UPDATE session_queue SET state = ?, updated_at = ? WHERE item_id = ?`,
		string(data), now, itemID,
	)
	if err != nil {
		return fmt.Errorf("failed to persist state for item %s: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Get implements Queue.
func (q *SQLiteQueue) Get(itemID string) (*Item, error) {
	q.mu.Lock()
	if item, ok := q.live[itemID]; ok {
		q.mu.Unlock()
		return item, nil
	}
	q.mu.Unlock()

	item := &Item{}
	var createdAt string
	err := q.db.QueryRow(
		`SELECT item_id, batch_id, queue_id, session_id, status, error, created_at
		 FROM session_queue WHERE item_id = ?`, itemID,
	).Scan(&item.ItemID, &item.BatchID, &item.QueueID, &item.SessionID, &item.Status, &item.Error, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item %s: %w", itemID, err)
	}
	if ts, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		item.CreatedAt = ts
	}
	return item, nil
}

// StateSnapshot loads the persisted graph-state snapshot for an item.
func (q *SQLiteQueue) StateSnapshot(itemID string) (graph.Snapshot, error) {
	var data string
	err := q.db.QueryRow(`SELECT state FROM session_queue WHERE item_id = ?`, itemID).Scan(&data)
	if err == sql.ErrNoRows {
		return graph.Snapshot{}, ErrItemNotFound
	}
	if err != nil {
		return graph.Snapshot{}, fmt.Errorf("failed to load state for item %s: %w", itemID, err)
	}
	var snap graph.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return graph.Snapshot{}, fmt.Errorf("failed to decode state for item %s: %w", itemID, err)
	}
	return snap, nil
}

// Len implements Queue.
func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM session_queue WHERE status = ?`, StatusPending).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Close implements Queue.
func (q *SQLiteQueue) Close() error {
	q.mu.Lock()
	q.live = make(map[string]*Item)
	q.mu.Unlock()
	return q.db.Close()
}
