// Package history keeps a durable record of terminal work items and other
// mesh events. It is write-mostly: in-memory state stays authoritative and
// history is read only for diagnostics.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

// Record kinds.
const (
	KindWork = "work"
	KindPlan = "plan"
)

// Record is one history entry.
type Record struct {
	Kind     string          `json:"kind" bson:"kind"`
	ID       string          `json:"id" bson:"id"`
	NodeID   string          `json:"node_id,omitempty" bson:"node_id,omitempty"`
	State    string          `json:"state,omitempty" bson:"state,omitempty"`
	Attempts int             `json:"attempts,omitempty" bson:"attempts,omitempty"`
	Error    string          `json:"error,omitempty" bson:"error,omitempty"`
	At       time.Time       `json:"at" bson:"at"`
	Data     json.RawMessage `json:"data,omitempty" bson:"data,omitempty"`
}

// Query selects records of one kind, optionally for one id. Results are
// ordered oldest first; Limit > 0 keeps only the newest Limit records.
type Query struct {
	Kind  string
	ID    string
	Limit int
}

// Store is the minimal history contract.
type Store interface {
	Write(ctx context.Context, r Record) error
	Read(ctx context.Context, q Query) ([]Record, error)
	Close(ctx context.Context) error
}

// Open returns the store for driver. An empty driver disables history and
// returns a nil Store.
func Open(ctx context.Context, driver, dsn, database string) (Store, error) {
	switch driver {
	case "":
		return nil, nil
	case "sqlite":
		s, err := OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "mongo", "mongodb":
		s, err := NewMongoStore(ctx, dsn, database)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("history: unknown driver %q", driver)
	}
}

// WorkRecord converts a work item into a history record.
func WorkRecord(it model.WorkItem) Record {
	at := it.CreatedAt
	if it.TerminalAt != nil {
		at = *it.TerminalAt
	}
	data, _ := json.Marshal(it)
	return Record{
		Kind:     KindWork,
		ID:       it.ID,
		NodeID:   it.NodeID,
		State:    string(it.State),
		Attempts: it.Attempts,
		Error:    it.LastError,
		At:       at.UTC(),
		Data:     data,
	}
}

// PlanRecord converts a plan into a history record.
func PlanRecord(p model.Plan) Record {
	data, _ := json.Marshal(p)
	return Record{
		Kind:  KindPlan,
		ID:    p.ID,
		State: string(p.Strategy),
		At:    p.CreatedAt.UTC(),
		Data:  data,
	}
}
