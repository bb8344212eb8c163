// Package sqlitestore implements store.SubscriptionStore on SQLite for the
// local build target.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pulsemap/pulsemap/internal/model"
	"github.com/pulsemap/pulsemap/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS Subscriptions (
    Id         TEXT PRIMARY KEY,
    ClientId   TEXT NOT NULL,
    Name       TEXT,
    Filter     TEXT NOT NULL,
    CreatedAt  TIMESTAMP NOT NULL,
    UpdatedAt  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS IdxSubscriptionsClient ON Subscriptions (ClientId);
CREATE TABLE IF NOT EXISTS UserFilters (
    UserId  TEXT PRIMARY KEY,
    Filter  TEXT NOT NULL
);
`

type Store struct {
	db *sql.DB
}

var _ store.SubscriptionStore = (*Store)(nil)

// New opens (or creates) the database at path and applies the schema.
func New(path string) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return NewWithDB(db)
}

// NewWithDB allows wiring with an existing connection (used by tests).
func NewWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Put(ctx context.Context, sub *model.Subscription) error {
	filter, err := json.Marshal(sub.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter for %s: %w", sub.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO Subscriptions (Id, ClientId, Name, Filter, CreatedAt, UpdatedAt) VALUES (?,?,?,?,?,?)
		 ON CONFLICT(Id) DO UPDATE SET Name=excluded.Name, Filter=excluded.Filter, UpdatedAt=excluded.UpdatedAt`,
		sub.ID, sub.ClientID, sub.Name, string(filter), sub.CreatedAt, sub.UpdatedAt)
	return err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM Subscriptions WHERE Id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteForClient(ctx context.Context, clientID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM Subscriptions WHERE ClientId = ?`, clientID)
	return err
}

func (s *Store) LoadAll(ctx context.Context) ([]*model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT Id, ClientId, Name, Filter, CreatedAt, UpdatedAt FROM Subscriptions`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Subscription
	for rows.Next() {
		var sub model.Subscription
		var name sql.NullString
		var filter string
		var created, updated time.Time
		if err := rows.Scan(&sub.ID, &sub.ClientID, &name, &filter, &created, &updated); err != nil {
			return nil, err
		}
		if name.Valid {
			sub.Name = &name.String
		}
		if err := json.Unmarshal([]byte(filter), &sub.Filter); err != nil {
			return nil, fmt.Errorf("unmarshal filter for %s: %w", sub.ID, err)
		}
		sub.CreatedAt = created
		sub.UpdatedAt = updated
		out = append(out, &sub)
	}
	return out, rows.Err()
}

func (s *Store) UserFilter(ctx context.Context, userID string) (*model.EventFilter, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT Filter FROM UserFilters WHERE UserId = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var f model.EventFilter
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("unmarshal user filter %s: %w", userID, err)
	}
	return &f, nil
}

func (s *Store) PutUserFilter(ctx context.Context, userID string, f *model.EventFilter) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO UserFilters (UserId, Filter) VALUES (?,?)
		 ON CONFLICT(UserId) DO UPDATE SET Filter=excluded.Filter`,
		userID, string(raw))
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }
