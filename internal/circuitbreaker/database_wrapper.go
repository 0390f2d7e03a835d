package circuitbreaker

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper wraps sqlx database operations with circuit breaker
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	config := GetDatabaseConfig().ToConfig()
	cb := NewCircuitBreaker("postgresql", config, logger)

	GlobalMetricsCollector.RegisterCircuitBreaker("store", cb)

	return &DatabaseWrapper{
		db:     db,
		cb:     cb,
		logger: logger,
	}
}

func (dw *DatabaseWrapper) record(success bool) {
	GlobalMetricsCollector.RecordRequest("store", success)
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	var err error

	cbErr := dw.cb.Execute(ctx, func() error {
		err = dw.db.PingContext(ctx)
		return err
	})

	dw.record(cbErr == nil && err == nil)

	if cbErr != nil {
		return cbErr
	}
	return err
}

// GetContext wraps sqlx Get (single-row struct scan) with circuit breaker
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var err error

	cbErr := dw.cb.Execute(ctx, func() error {
		err = dw.db.GetContext(ctx, dest, query, args...)
		// Missing rows are a caller concern, not a downstream failure
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})

	dw.record(cbErr == nil && (err == nil || err == sql.ErrNoRows))

	if cbErr != nil {
		return cbErr
	}
	return err
}

// SelectContext wraps sqlx Select (multi-row struct scan) with circuit breaker
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var err error

	cbErr := dw.cb.Execute(ctx, func() error {
		err = dw.db.SelectContext(ctx, dest, query, args...)
		return err
	})

	dw.record(cbErr == nil && err == nil)

	if cbErr != nil {
		return cbErr
	}
	return err
}

// QueryContext wraps database query with circuit breaker
func (dw *DatabaseWrapper) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	var err error

	cbErr := dw.cb.Execute(ctx, func() error {
		rows, err = dw.db.QueryContext(ctx, query, args...)
		return err
	})

	dw.record(cbErr == nil && err == nil)

	if cbErr != nil {
		return nil, cbErr
	}
	return rows, err
}

// ExecContext wraps database exec with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	var err error

	cbErr := dw.cb.Execute(ctx, func() error {
		result, err = dw.db.ExecContext(ctx, query, args...)
		return err
	})

	dw.record(cbErr == nil && err == nil)

	if cbErr != nil {
		return nil, cbErr
	}
	return result, err
}

// TxWrapper wraps sqlx.Tx with circuit breaker protection
type TxWrapper struct {
	tx     *sqlx.Tx
	cb     *CircuitBreaker
	logger *zap.Logger
}

// BeginTx wraps transaction begin with circuit breaker
func (dw *DatabaseWrapper) BeginTx(ctx context.Context, opts *sql.TxOptions) (*TxWrapper, error) {
	var tx *sqlx.Tx
	var err error

	cbErr := dw.cb.Execute(ctx, func() error {
		tx, err = dw.db.BeginTxx(ctx, opts)
		return err
	})

	dw.record(cbErr == nil && err == nil)

	if cbErr != nil {
		return nil, cbErr
	}
	if err != nil {
		return nil, err
	}

	return &TxWrapper{
		tx:     tx,
		cb:     dw.cb,
		logger: dw.logger,
	}, nil
}

func (tw *TxWrapper) record(success bool) {
	GlobalMetricsCollector.RecordRequest("store", success)
}

// ExecContext wraps transactional exec with circuit breaker
func (tw *TxWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	var err error

	cbErr := tw.cb.Execute(ctx, func() error {
		result, err = tw.tx.ExecContext(ctx, query, args...)
		return err
	})

	tw.record(cbErr == nil && err == nil)

	if cbErr != nil {
		return nil, cbErr
	}
	return result, err
}

// GetContext wraps transactional single-row struct scan with circuit breaker
func (tw *TxWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var err error

	cbErr := tw.cb.Execute(ctx, func() error {
		err = tw.tx.GetContext(ctx, dest, query, args...)
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})

	tw.record(cbErr == nil && (err == nil || err == sql.ErrNoRows))

	if cbErr != nil {
		return cbErr
	}
	return err
}

// SelectContext wraps transactional multi-row struct scan with circuit breaker
func (tw *TxWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var err error

	cbErr := tw.cb.Execute(ctx, func() error {
		err = tw.tx.SelectContext(ctx, dest, query, args...)
		return err
	})

	tw.record(cbErr == nil && err == nil)

	if cbErr != nil {
		return cbErr
	}
	return err
}

// Commit commits the transaction through the circuit breaker
func (tw *TxWrapper) Commit() error {
	var err error

	cbErr := tw.cb.Execute(context.Background(), func() error {
		err = tw.tx.Commit()
		return err
	})

	tw.record(cbErr == nil && err == nil)

	if cbErr != nil {
		return cbErr
	}
	return err
}

// Rollback rolls back the transaction.
// Not routed through the circuit breaker; rollback is always attempted.
func (tw *TxWrapper) Rollback() error {
	return tw.tx.Rollback()
}

// Stats returns database stats
func (dw *DatabaseWrapper) Stats() sql.DBStats {
	return dw.db.Stats()
}

// Close closes the database connection
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// SetConnMaxLifetime sets the maximum connection lifetime
func (dw *DatabaseWrapper) SetConnMaxLifetime(d time.Duration) {
	dw.db.SetConnMaxLifetime(d)
}

// GetDB returns the underlying sqlx handle for operations not covered by the wrapper
func (dw *DatabaseWrapper) GetDB() *sqlx.DB {
	return dw.db
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
