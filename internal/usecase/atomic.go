package usecase

import "context"

// Atomic runs fn inside one local store transaction. Either every write made
// through tx commits or none does. The whole closure is retried when the
// retrier classifies the failure as transient, so fn must not have side
// effects outside tx.
func Atomic[T any](ctx context.Context, tm TransactionManager, retrier Retrier, fn func(tx Transaction) (T, error)) (T, error) {
	var result T

	run := func() error {
		txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
		defer cancel()

		tx, err := tm.Begin(txCtx)
		if err != nil {
			return err
		}
		defer tx.Rollback(txCtx)

		v, err := fn(tx)
		if err != nil {
			return err
		}

		if err := tx.Commit(txCtx); err != nil {
			return err
		}

		result = v
		return nil
	}

	var err error
	if retrier == nil {
		err = run()
	} else {
		err = retrier.Retry(ctx, run)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// AtomicDo is Atomic for closures without a result.
func AtomicDo(ctx context.Context, tm TransactionManager, retrier Retrier, fn func(tx Transaction) error) error {
	_, err := Atomic(ctx, tm, retrier, func(tx Transaction) (struct{}, error) {
		return struct{}{}, fn(tx)
	})
	return err
}
