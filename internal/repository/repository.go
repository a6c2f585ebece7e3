// Package repository persists the agent's event journal: pairing
// transitions, dispatched commands, OTA attempts and reboots, queryable
// over the diagnostics API.
package repository

import (
	"context"
	"database/sql"
	"time"

	"irblaster"
	"irblaster/internal/repository/db"
)

// EventJournal is the append-only flight recorder.
type EventJournal interface {
	Append(ctx context.Context, e irblaster.AgentEvent) error
	List(ctx context.Context, from, to time.Time, typ string) ([]irblaster.AgentEvent, error)
}

type Repository struct {
	Events EventJournal
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		Events: NewEventSQLite(db),
	}
}

// InitDB opens the journal database and ensures its schema.
func InitDB(path string) (*sql.DB, error) {
	return db.InitDB(path)
}
