// Package storage provides the account store and actor cache backends:
// an in-memory store for tests and single process nodes, PostgreSQL for
// accounts and cached profiles, and Redis as a shared actor cache.
package storage

import (
	"context"
	"errors"

	"ouka/pkg/types"
)

var (
	// ErrNotFound is returned when no account matches a lookup.
	ErrNotFound = errors.New("not found")
	// ErrUserpartTaken is returned when saving an account whose userpart belongs to another account.
	ErrUserpartTaken = errors.New("userpart taken")
)

// AccountTx is the view of the account store available inside a transaction.
// Every read sees the writes made earlier in the same transaction.
type AccountTx interface {
	ByUID(ctx context.Context, uid types.UserID) ([]types.Account, error)
	ByEmail(ctx context.Context, email string) (*types.Account, error)
	ByUserpart(ctx context.Context, userpart string) (*types.Account, error)
	Save(ctx context.Context, account *types.Account) error
}

// AccountRepository is implemented by every account store backend.
type AccountRepository interface {
	GetByID(ctx context.Context, id types.AccountID) (*types.Account, error)
	GetByUserpart(ctx context.Context, userpart string) (*types.Account, error)
	// Transact runs fn atomically with respect to other transactions.
	// A non-nil error from fn discards its writes.
	Transact(ctx context.Context, fn func(tx AccountTx) error) error
}
