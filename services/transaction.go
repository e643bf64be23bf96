package services

import (
	"context"

	"github.com/upb/llm-gateway/repositories"
)

// WithTransactionResult runs fn inside txMgr.InTransaction and returns its
// result. Repositories called with the ctx handed to fn join the transaction.
// The zero value is returned whenever the transaction fails.
func WithTransactionResult[T any](ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	err := txMgr.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
		var err error
		result, err = fn(txCtx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return result, nil
}
