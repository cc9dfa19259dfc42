package tx

import (
	"context"
	"database/sql"
)

// SQLResourceManager bridges a database/sql database into the stage bracket:
// each cycle gets its own *sql.Tx, committed just before the broker session.
type SQLResourceManager struct {
	db   *sql.DB
	opts *sql.TxOptions
}

// NewSQLResourceManager wraps the database. opts may be nil.
func NewSQLResourceManager(db *sql.DB, opts *sql.TxOptions) *SQLResourceManager {
	return &SQLResourceManager{db: db, opts: opts}
}

func (m *SQLResourceManager) Begin(ctx context.Context) (ResourceTx, error) {
	return m.db.BeginTx(ctx, m.opts)
}

// SQLTxFromContext returns the *sql.Tx opened for the current bracket, if the
// factory was configured with a SQLResourceManager.
func SQLTxFromContext(ctx context.Context) (*sql.Tx, bool) {
	rtx, ok := ResourceTxFromContext(ctx)
	if !ok {
		return nil, false
	}
	sqlTx, ok := rtx.(*sql.Tx)
	return sqlTx, ok
}
