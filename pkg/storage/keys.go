package storage

import (
	"fmt"
	"time"
)

// Key schema:
//
//	exec:<unix-nanos>:<execution-id>   → ExecutionResult
//	fill:<order-id>:<unix-nanos>:<seq> → Fill
//	alert:<unix-nanos>:<execution-id>  → Alert
//
// Timestamps are zero-padded to 20 digits so keys sort chronologically.
const (
	prefixExecution = "exec:"
	prefixFill      = "fill:"
	prefixAlert     = "alert:"
)

func executionKey(at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixExecution, at.UnixNano(), id))
}

func fillKey(orderID string, at time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%08d", prefixFill, orderID, at.UnixNano(), seq))
}

func fillPrefix(orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixFill, orderID))
}

func alertKey(at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixAlert, at.UnixNano(), id))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
