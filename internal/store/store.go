// Package store defines the persistence port (C6): the contract the core
// depends on without owning the relational schema itself (spec §1, §6).
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"time"
)

// FeedConfig is the persistent configuration of one source (spec §3).
type FeedConfig struct {
	ID        int64
	Name      string
	URL       string
	Category  int64
	Refresh   time.Duration
	CreatedAt time.Time
}

// ItemRow is one row submitted to the bulk idempotent upsert (spec §4.3).
type ItemRow struct {
	Title    string
	URL      string // canonical
	Category int64
	Website  int64
}

// InsertedItem identifies a row the post-insert probe confirmed as new
// (spec §4.3 step 5): its store-assigned id and canonical URL, which is
// all emission needs; the rest of the item comes from the parsed input.
type InsertedItem struct {
	ID  int64
	URL string
}

// ErrorRecord is a structured log entry (spec §3).
type ErrorRecord struct {
	Type    string
	FeedID  *int64
	Message string
	Date    time.Time
}

// Feeds is the FeedConfig half of the persistence port.
type Feeds interface {
	GetAll(ctx context.Context) ([]FeedConfig, error)
	GetByURL(ctx context.Context, url string) (*FeedConfig, error)
	Insert(ctx context.Context, cfg FeedConfig) (int64, error)
	Update(ctx context.Context, cfg FeedConfig) error
	RemoveByURL(ctx context.Context, url string) (int64, error)
}

// Items is the item half of the persistence port.
type Items interface {
	// BulkUpsertIgnoringDuplicates submits rows in one call; rows violating
	// the (website, url) unique constraint are silently discarded and the
	// count of rows actually inserted is not reported (spec §4.3 step 4).
	BulkUpsertIgnoringDuplicates(ctx context.Context, rows []ItemRow) error

	// FindInsertedSince is the post-insert probe / linearization point
	// (spec §4.3 step 5, §5 cross-worker safety).
	FindInsertedSince(ctx context.Context, website int64, urls []string, since time.Time) ([]InsertedItem, error)
}

// Errors is the error-logging half of the persistence port. It never
// throws: failures are swallowed after a stderr-level complaint (spec §6).
type Errors interface {
	Log(ctx context.Context, rec ErrorRecord)
}

// Store aggregates the three persistence capabilities plus lifecycle.
type Store interface {
	Feeds
	Items
	Errors
	Close() error
}

// IsConnectionError reports whether err reflects a lost database
// connection rather than an ordinary query failure (a constraint
// violation, a bad value, etc). database/sql surfaces a dead connection
// as sql.ErrConnDone or driver.ErrBadConn; the driver dial itself fails as
// a *net.OpError before either of those ever applies. Callers use this to
// distinguish db_connect_error (critical, spec §7) from db_error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
