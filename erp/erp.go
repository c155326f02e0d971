// Package erp defines the client the engine and its actions use to talk to
// the external ERP.
package erp

import (
	"context"
	"errors"
)

var (
	// ErrRecordNotFound is returned when the ERP has no such record.
	ErrRecordNotFound = errors.New("erp record not found")
	// ErrMissingID is returned by UpdateRecord when data carries no id.
	ErrMissingID = errors.New("erp record id is required")
)

// IDField is the key under which records carry their id.
const IDField = "id"

// Client reads and writes ERP records. Timeouts and retries are the
// implementation's concern.
type Client interface {
	// ReadRecord returns the fields of a record.
	ReadRecord(ctx context.Context, entityType, id string) (map[string]interface{}, error)
	// CreateRecord creates a record and returns it, including its id.
	CreateRecord(ctx context.Context, entityType string, data map[string]interface{}) (map[string]interface{}, error)
	// UpdateRecord merges data into the record identified by data["id"] and
	// returns the updated record.
	UpdateRecord(ctx context.Context, entityType string, data map[string]interface{}) (map[string]interface{}, error)
}
