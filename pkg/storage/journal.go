// Package storage persists execution outcomes, fills and reconciliation
// alerts in a local Pebble database.
package storage

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/goccy/go-json"

	"github.com/uhyunpark/perplink/pkg/account"
	"github.com/uhyunpark/perplink/pkg/execution"
)

// Journal is an append-mostly record of what the engine did.
type Journal struct {
	db  *pebble.DB
	seq atomic.Uint64
}

var _ execution.Journal = (*Journal)(nil)

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

// OpenInMemory returns a journal backed by an in-memory filesystem.
func OpenInMemory() (*Journal, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// SaveExecution records a terminal execution result.
func (j *Journal) SaveExecution(res execution.ExecutionResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}
	key := executionKey(res.FinishedAt, res.ExecutionID.String())
	if err := j.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// SaveAlert records a reconciliation alert.
func (j *Journal) SaveAlert(a execution.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := j.db.Set(alertKey(a.At, a.ExecutionID.String()), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// SaveFill records one fill. Fills are high volume and written without
// fsync; a crash may lose the most recent ones.
func (j *Journal) SaveFill(f account.Fill) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal fill: %w", err)
	}
	key := fillKey(f.OrderID, f.Timestamp, j.seq.Add(1))
	if err := j.db.Set(key, data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save fill: %w", err)
	}
	return nil
}

// Execution looks up one execution by id.
func (j *Journal) Execution(id string) (execution.ExecutionResult, bool, error) {
	var (
		out   execution.ExecutionResult
		found bool
	)
	err := j.scan([]byte(prefixExecution), true, 0, func(v []byte) error {
		var res execution.ExecutionResult
		if err := json.Unmarshal(v, &res); err != nil {
			return nil
		}
		if res.ExecutionID.String() == id {
			out, found = res, true
			return errStop
		}
		return nil
	})
	return out, found, err
}

// ListExecutions returns up to limit executions, newest first. limit <= 0
// returns all of them.
func (j *Journal) ListExecutions(limit int) ([]execution.ExecutionResult, error) {
	var out []execution.ExecutionResult
	err := j.scan([]byte(prefixExecution), true, limit, func(v []byte) error {
		var res execution.ExecutionResult
		if err := json.Unmarshal(v, &res); err != nil {
			return nil // skip invalid entries
		}
		out = append(out, res)
		return nil
	})
	return out, err
}

// ListAlerts returns up to limit alerts, newest first.
func (j *Journal) ListAlerts(limit int) ([]execution.Alert, error) {
	var out []execution.Alert
	err := j.scan([]byte(prefixAlert), true, limit, func(v []byte) error {
		var a execution.Alert
		if err := json.Unmarshal(v, &a); err != nil {
			return nil
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

// FillsForOrder returns the fills recorded for orderID, oldest first.
func (j *Journal) FillsForOrder(orderID string) ([]account.Fill, error) {
	var out []account.Fill
	err := j.scan(fillPrefix(orderID), false, 0, func(v []byte) error {
		var f account.Fill
		if err := json.Unmarshal(v, &f); err != nil {
			return nil
		}
		out = append(out, f)
		return nil
	})
	return out, err
}

var errStop = errors.New("stop")

// scan visits values under prefix, at most limit of them when limit > 0.
func (j *Journal) scan(prefix []byte, reverse bool, limit int, fn func([]byte) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	step, ok := iter.Next, iter.First()
	if reverse {
		step, ok = iter.Prev, iter.Last()
	}
	for n := 0; ok && iter.Valid(); ok = step() {
		if limit > 0 && n >= limit {
			break
		}
		if err := fn(iter.Value()); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			return err
		}
		n++
	}
	return iter.Error()
}
