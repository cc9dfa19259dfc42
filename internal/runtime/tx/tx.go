// Package tx brackets each receive-process-send cycle (or each initiation)
// with the broker session transaction and, when a resource bridge is
// configured, an external resource transaction - committed in a fixed order:
// resource first, broker last. This is best-effort 1PC: the window between
// the two commits is surfaced as a distinct error so applications can
// compensate.
package tx

import (
	"context"

	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/stageflow/internal/runtime/logging"
	"github.com/drblury/stageflow/internal/runtime/session"
)

// ResourceTx is one external resource transaction, e.g. a *sql.Tx.
type ResourceTx interface {
	Commit() error
	Rollback() error
}

// ResourceManager bridges an external transactional resource into the stage
// bracket. Leave it nil to run broker-only transactions.
type ResourceManager interface {
	Begin(ctx context.Context) (ResourceTx, error)
}

type resourceTxKey struct{}

// ResourceTxFromContext returns the resource transaction opened for the
// current bracket, so user lambdas can do their database work inside it.
func ResourceTxFromContext(ctx context.Context) (ResourceTx, bool) {
	rtx, ok := ctx.Value(resourceTxKey{}).(ResourceTx)
	return rtx, ok
}

// Coordinator runs work functions inside the transaction bracket.
type Coordinator struct {
	resources ResourceManager
	logger    loggingpkg.ServiceLogger
}

// NewCoordinator creates a coordinator. resources may be nil.
func NewCoordinator(resources ResourceManager, logger loggingpkg.ServiceLogger) *Coordinator {
	return &Coordinator{resources: resources, logger: logger}
}

// Within executes work inside the bracket:
//
//  1. the broker session transaction is implicitly open on first use,
//  2. an external resource transaction is begun if a bridge is configured,
//  3. work runs (user logic plus staging of the outbound messages),
//  4. the session liveness probe runs; a dead session rolls back both and
//     reports a retryable error,
//  5. the resource transaction commits,
//  6. the broker session commits.
//
// A failure before (5) rolls both back: the broker redelivers the triggering
// message and nothing external happened. A failure between (5) and (6) is
// returned as MessageSendError: the resource committed but the messages may
// not have been published.
func (c *Coordinator) Within(ctx context.Context, holder *session.Holder, work func(ctx context.Context) error) error {
	var rtx ResourceTx
	if c.resources != nil {
		var err error
		rtx, err = c.resources.Begin(ctx)
		if err != nil {
			return &errspkg.StageRetryError{Err: err}
		}
		ctx = context.WithValue(ctx, resourceTxKey{}, rtx)
	}

	rollbackBoth := func() {
		if rtx != nil {
			if err := rtx.Rollback(); err != nil {
				c.logger.Error("Could not roll back external resource transaction", err, nil)
			}
		}
		if err := holder.Session().Rollback(); err != nil {
			c.logger.Error("Could not roll back broker session", err, nil)
		}
	}

	if err := work(ctx); err != nil {
		rollbackBoth()
		return &errspkg.StageRetryError{Err: err}
	}

	// Tighten the gap before the resource commit: a session revoked by a
	// sibling crash must not let the resource commit go through.
	if !holder.IsStillActive() {
		rollbackBoth()
		return &errspkg.StageRetryError{Err: errspkg.ErrSessionLost}
	}

	if rtx != nil {
		if err := rtx.Commit(); err != nil {
			if rbErr := holder.Session().Rollback(); rbErr != nil {
				c.logger.Error("Could not roll back broker session after resource commit failure", rbErr, nil)
			}
			return &errspkg.StageRetryError{Err: err}
		}
	}

	if err := holder.Session().Commit(); err != nil {
		// The point of no return: the resource already committed.
		return &errspkg.MessageSendError{Err: err}
	}
	return nil
}
