package ledger

import "errors"

// ErrWriteFailed is returned by Insert/UpdateByKey when the underlying
// transaction could not be committed. No partial rows are ever visible:
// every write runs inside database.WithTransaction, which rolls back on
// any error or panic.
var ErrWriteFailed = errors.New("ledger: write failed")

// ErrUnknownTable is returned when a caller names a table the ledger
// does not recognize.
var ErrUnknownTable = errors.New("ledger: unknown table")
