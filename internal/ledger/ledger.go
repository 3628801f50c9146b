// Package ledger implements the metadata ledger (C2): six structured,
// queryable tables backed by the pure-Go SQLite driver, with a fixed
// generic contract (insert, update_by_key, select_where,
// select_recent) that every typed wrapper in rows.go builds on.
package ledger

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/pkg/logger"
)

// tableColumns fixes the schema (§3 of the schema this mirrors) each
// generic operation is allowed to touch. Column order here must match
// ledger_schema.sql.
var tableColumns = map[string][]string{
	"signals": {
		"id", "created_at", "symbol", "kind", "timeframe",
		"confidence", "price", "volume", "processed", "indicators", "metadata",
	},
	"trades": {
		"id", "created_at", "symbol", "side", "strategy", "signal_id",
		"status", "quantity", "price", "pnl", "fees",
	},
	"positions": {
		"id", "created_at", "closed_at", "symbol", "status", "quantity",
		"average_price", "current_price", "unrealized_pl", "realized_pl", "stop", "target",
	},
	"market_snapshots": {
		"id", "created_at", "symbol", "timeframe", "open", "high", "low", "close", "volume", "indicators",
	},
	"strategy_performance": {
		"id", "strategy", "updated_at", "total_trades", "wins", "total_pnl",
		"max_drawdown", "sharpe", "win_rate", "avg_profit", "avg_loss", "profit_factor",
	},
	"embedding_bookkeeping": {
		"id", "content_hash", "content_type", "source", "importance",
		"created_at", "last_access", "access_count",
	},
}

// orderColumn is the column select_recent orders by, descending.
var orderColumn = map[string]string{
	"signals":               "created_at",
	"trades":                "created_at",
	"positions":             "created_at",
	"market_snapshots":      "created_at",
	"strategy_performance":  "updated_at",
	"embedding_bookkeeping": "created_at",
}

// Ledger is the C2 metadata ledger. It holds no state of its own beyond
// the database handle; every operation is transactional per call.
type Ledger struct {
	db  *database.DB
	log zerolog.Logger
}

// New wires a Ledger to an already-migrated database handle.
func New(db *database.DB, log zerolog.Logger) *Ledger {
	return &Ledger{db: db, log: logger.Component(log, "ledger")}
}

// Insert writes a new row. Columns missing from row are sent as NULL /
// their SQLite column default.
func (l *Ledger) Insert(table string, row map[string]interface{}) error {
	cols, ok := tableColumns[table]
	if !ok {
		return ErrUnknownTable
	}

	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = row[c]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	err := database.WithTransaction(l.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(query, args...)
		return err
	})
	if err != nil {
		l.log.Error().Err(err).Str("table", table).Msg("ledger insert failed")
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// UpdateByKey updates the named columns of the row matching keyCol=keyVal.
func (l *Ledger) UpdateByKey(table, keyCol string, keyVal interface{}, updates map[string]interface{}) error {
	if _, ok := tableColumns[table]; !ok {
		return ErrUnknownTable
	}
	if len(updates) == 0 {
		return nil
	}

	setClauses := make([]string, 0, len(updates))
	args := make([]interface{}, 0, len(updates)+1)
	for col, val := range updates {
		setClauses = append(setClauses, col+" = ?")
		args = append(args, val)
	}
	args = append(args, keyVal)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", table, strings.Join(setClauses, ", "), keyCol)

	err := database.WithTransaction(l.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(query, args...)
		return err
	})
	if err != nil {
		l.log.Error().Err(err).Str("table", table).Msg("ledger update failed")
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// SelectWhere returns every row matching the given WHERE clause
// fragment (without the "WHERE" keyword) and its positional args. An
// empty where selects the whole table.
func (l *Ledger) SelectWhere(table, where string, args ...interface{}) ([]map[string]interface{}, error) {
	cols, ok := tableColumns[table]
	if !ok {
		return nil, ErrUnknownTable
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), table)
	if where != "" {
		query += " WHERE " + where
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: select_where %s: %w", table, err)
	}
	defer rows.Close()

	return scanRows(rows, cols)
}

// SelectRecent returns the n most recent rows of table, newest first.
func (l *Ledger) SelectRecent(table string, n int) ([]map[string]interface{}, error) {
	cols, ok := tableColumns[table]
	if !ok {
		return nil, ErrUnknownTable
	}
	order := orderColumn[table]

	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s DESC LIMIT ?", strings.Join(cols, ", "), table, order)
	rows, err := l.db.Query(query, n)
	if err != nil {
		return nil, fmt.Errorf("ledger: select_recent %s: %w", table, err)
	}
	defer rows.Close()

	return scanRows(rows, cols)
}

func scanRows(rows *sql.Rows, cols []string) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		pointers := make([]interface{}, len(cols))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("ledger: scan row: %w", err)
		}

		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalizeValue converts driver-native []byte (TEXT columns) to string
// so callers never have to type-switch on the driver's internal
// representation.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
