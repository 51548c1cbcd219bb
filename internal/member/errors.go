package member

import (
	"errors"
	"fmt"

	"guild-ledger/internal/models"
)

// ErrNotFound is returned when a lookup by discord id matches no row in the
// queried partition.
var ErrNotFound = errors.New("member not found")

// ConsistencyError reports a lifecycle move whose source partition did not
// hold the record. Gateway delivery order is not guaranteed, so callers treat
// this as a logged anomaly, not a crash: the next event for the same member
// reconciles the drift.
type ConsistencyError struct {
	DiscordID string
	Partition models.Partition
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("member %s not present in %s partition", e.DiscordID, e.Partition)
}

// IsConsistency reports whether err is (or wraps) a ConsistencyError.
func IsConsistency(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}
