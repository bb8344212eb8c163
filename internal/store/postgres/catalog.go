// Package postgres provides the read-only event catalog used to rehydrate the
// spatial index at startup. Event writes belong to the upstream pipeline.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/pulsemap/pulsemap/internal/model"
	"github.com/pulsemap/pulsemap/internal/store"
)

const loadEventsSQL = `
SELECT id, title, description, longitude, latitude, status,
       categories, tags, creator_id, start_time, created_at, updated_at
FROM events
WHERE deleted_at IS NULL`

type Catalog struct {
	db *sql.DB
}

var _ store.EventCatalog = (*Catalog)(nil)

// NewCatalog opens a pgx-backed connection to the event store.
func NewCatalog(dsn string) (*Catalog, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Catalog{db: db}, nil
}

// NewCatalogWithDB wires an existing connection (used by tests).
func NewCatalogWithDB(db *sql.DB) *Catalog { return &Catalog{db: db} }

// LoadAll returns every live event. Categories and tags are stored as JSON
// arrays by the pipeline.
func (c *Catalog) LoadAll(ctx context.Context) ([]*model.Event, error) {
	rows, err := c.db.QueryContext(ctx, loadEventsSQL)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Event
	for rows.Next() {
		var (
			e          model.Event
			desc       sql.NullString
			lng, lat   sql.NullFloat64
			status     sql.NullString
			categories []byte
			tags       []byte
			creator    sql.NullString
			start      sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.Title, &desc, &lng, &lat, &status,
			&categories, &tags, &creator, &start, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			e.Description = &desc.String
		}
		if lng.Valid && lat.Valid {
			e.Location = &model.Point{Lng: lng.Float64, Lat: lat.Float64}
		}
		if status.Valid {
			e.Status = status.String
		}
		if len(categories) > 0 {
			if err := json.Unmarshal(categories, &e.Categories); err != nil {
				return nil, fmt.Errorf("event %s categories: %w", e.ID, err)
			}
		}
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &e.Tags); err != nil {
				return nil, fmt.Errorf("event %s tags: %w", e.ID, err)
			}
		}
		if creator.Valid {
			e.CreatorID = &creator.String
		}
		if start.Valid {
			t := start.Time
			e.StartTime = &t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Ping verifies connectivity for health checks.
func (c *Catalog) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *Catalog) Close() error { return c.db.Close() }
