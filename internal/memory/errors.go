package memory

import "errors"

// ErrStorageUnavailable is returned when both the durable vector index and
// the local JSON spill are unwritable. It is the only error Store returns;
// everything short of that degrades silently (and observably, via a
// system_metrics record) rather than failing the caller.
var ErrStorageUnavailable = errors.New("memory: storage unavailable")
