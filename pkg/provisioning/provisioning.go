// Package provisioning keeps local accounts in step with the identity
// provider. OnUserCreated and OnUserDeleted are invoked by whatever consumes
// user lifecycle events; both are idempotent and run inside a store
// transaction so concurrent events for the same user cannot race.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ouka/pkg/federation"
	"ouka/pkg/storage"
	"ouka/pkg/types"
)

const (
	// MaxUserpartLength bounds generated userparts, including any collision suffix.
	MaxUserpartLength = 20

	fallbackUserpart = "user"
	maxSuffix        = 1000
)

var (
	// ErrConflict is returned when a verified email already belongs to a live
	// account of another user.
	ErrConflict = errors.New("account conflict")
	// ErrInvalidUser is returned for events without a uid.
	ErrInvalidUser = errors.New("invalid user")
)

type Provisioner struct {
	store      storage.AccountRepository
	keys       KeyGenerator
	ownerEmail string
	clock      federation.Clock
	logger     *zap.Logger
}

// NewProvisioner creates a provisioner. Accounts created for ownerEmail,
// once verified, are admins.
func NewProvisioner(store storage.AccountRepository, ownerEmail string, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Provisioner{
		store:      store,
		keys:       RSAKeyGenerator{Bits: DefaultKeyBits},
		ownerEmail: strings.TrimSpace(ownerEmail),
		clock:      federation.SystemClock(),
		logger:     logger,
	}
}

func (p *Provisioner) SetKeyGenerator(keys KeyGenerator) {
	p.keys = keys
}

func (p *Provisioner) SetClock(clock federation.Clock) {
	p.clock = clock
}

// OnUserCreated returns the account of user, creating or reviving it as
// needed. Repeated calls for the same user return the same account.
func (p *Provisioner) OnUserCreated(ctx context.Context, user types.User) (*types.Account, error) {
	if user.UID == "" {
		return nil, fmt.Errorf("%w: missing uid", ErrInvalidUser)
	}

	var result types.Account
	var action string
	err := p.store.Transact(ctx, func(tx storage.AccountTx) error {
		owned, err := tx.ByUID(ctx, user.UID)
		if err != nil {
			return fmt.Errorf("failed to list accounts of %s: %w", user.UID, err)
		}
		if account, ok := pick(owned); ok {
			if !account.Attributes.Gone {
				result, action = account, "existing"
				return nil
			}
			result, action = p.revive(account, user), "revived"
			return tx.Save(ctx, &result)
		}

		if email := verifiedEmail(user); email != "" {
			account, err := tx.ByEmail(ctx, email)
			switch {
			case err == nil && account.Attributes.Gone:
				result, action = p.revive(*account, user), "revived"
				return tx.Save(ctx, &result)
			case err == nil:
				return fmt.Errorf("%w: %s is used by account %s", ErrConflict, email, account.ID)
			case !errors.Is(err, storage.ErrNotFound):
				return fmt.Errorf("failed to look up email: %w", err)
			}
		}

		account, err := p.newAccount(ctx, tx, user)
		if err != nil {
			return err
		}
		result, action = *account, "created"
		return tx.Save(ctx, &result)
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("Provisioned account",
		zap.String("uid", string(user.UID)),
		zap.String("account", string(result.ID)),
		zap.String("userpart", result.Userpart),
		zap.String("action", action))
	return &result, nil
}

// OnUserDeleted marks every account of user gone and returns how many
// changed. Accounts are kept so their userparts are never reissued.
func (p *Provisioner) OnUserDeleted(ctx context.Context, user types.User) (int, error) {
	if user.UID == "" {
		return 0, fmt.Errorf("%w: missing uid", ErrInvalidUser)
	}

	changed := 0
	err := p.store.Transact(ctx, func(tx storage.AccountTx) error {
		owned, err := tx.ByUID(ctx, user.UID)
		if err != nil {
			return fmt.Errorf("failed to list accounts of %s: %w", user.UID, err)
		}
		for i := range owned {
			if owned[i].Attributes.Gone {
				continue
			}
			owned[i].Attributes.Gone = true
			owned[i].UpdatedAt = p.clock.Now()
			if err := tx.Save(ctx, &owned[i]); err != nil {
				return fmt.Errorf("failed to archive account %s: %w", owned[i].ID, err)
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if changed > 0 {
		p.logger.Info("Archived accounts",
			zap.String("uid", string(user.UID)),
			zap.Int("count", changed))
	}
	return changed, nil
}

func (p *Provisioner) newAccount(ctx context.Context, tx storage.AccountTx, user types.User) (*types.Account, error) {
	userpart, err := availableUserpart(ctx, tx, user.Email)
	if err != nil {
		return nil, err
	}

	keyring, err := p.keys.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keyring: %w", err)
	}

	now := p.clock.Now()
	return &types.Account{
		ID:       types.AccountID(uuid.NewString()),
		UID:      user.UID,
		Userpart: userpart,
		Email:    verifiedEmail(user),
		Keyring:  keyring,
		Attributes: types.Attributes{
			Admin: p.isOwner(user),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// revive reassigns a gone account to user, keeping its userpart and keys.
func (p *Provisioner) revive(account types.Account, user types.User) types.Account {
	account.UID = user.UID
	account.Attributes.Gone = false
	account.Attributes.Admin = account.Attributes.Admin || p.isOwner(user)
	if email := verifiedEmail(user); email != "" {
		account.Email = email
	}
	account.UpdatedAt = p.clock.Now()
	return account
}

func (p *Provisioner) isOwner(user types.User) bool {
	email := verifiedEmail(user)
	return email != "" && p.ownerEmail != "" && strings.EqualFold(email, p.ownerEmail)
}

// pick prefers a live account over a gone one.
func pick(accounts []types.Account) (types.Account, bool) {
	if len(accounts) == 0 {
		return types.Account{}, false
	}
	for _, account := range accounts {
		if !account.Attributes.Gone {
			return account, true
		}
	}
	return accounts[0], true
}

func verifiedEmail(user types.User) string {
	if !user.EmailVerified {
		return ""
	}
	return strings.TrimSpace(user.Email)
}

// availableUserpart derives a free userpart from the email local part:
// alice, alice-2, alice-3 and so on.
func availableUserpart(ctx context.Context, tx storage.AccountTx, email string) (string, error) {
	base := Userpart(email)
	for n := 1; n <= maxSuffix; n++ {
		candidate := base
		if n > 1 {
			suffix := "-" + strconv.Itoa(n)
			candidate = truncate(base, MaxUserpartLength-len(suffix)) + suffix
		}

		_, err := tx.ByUserpart(ctx, candidate)
		if errors.Is(err, storage.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to check userpart %s: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("%w: no free userpart for %q", ErrConflict, base)
}

// Userpart normalizes the local part of email into a userpart: lowercase
// letters, digits, '_' and '.', at most MaxUserpartLength long.
func Userpart(email string) string {
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")

	var b strings.Builder
	for _, r := range strings.ToLower(local) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.':
			b.WriteRune(r)
		case r == '-' || r == '+':
			b.WriteByte('_')
		}
	}

	userpart := strings.Trim(truncate(b.String(), MaxUserpartLength), ".")
	if userpart == "" {
		return fallbackUserpart
	}
	return userpart
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

