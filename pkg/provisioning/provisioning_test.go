package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ouka/pkg/httpsig"
	"ouka/pkg/storage"
	"ouka/pkg/types"
)

type fakeKeys struct {
	calls atomic.Int32
	err   error
}

func (k *fakeKeys) Generate() (types.Keyring, error) {
	if k.err != nil {
		return types.Keyring{}, k.err
	}
	n := k.calls.Add(1)
	return types.Keyring{
		Public:  fmt.Sprintf("public-%d", n),
		Private: fmt.Sprintf("private-%d", n),
	}, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var provisionTime = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestProvisioner(owner string) (*Provisioner, *storage.Memory, *fakeKeys) {
	store := storage.NewMemory()
	keys := &fakeKeys{}
	p := NewProvisioner(store, owner, nil)
	p.SetKeyGenerator(keys)
	p.SetClock(fixedClock{now: provisionTime})
	return p, store, keys
}

func TestOnUserCreated(t *testing.T) {
	p, store, _ := newTestProvisioner("owner@node.example")
	ctx := context.Background()

	account, err := p.OnUserCreated(ctx, types.User{UID: "u1", Email: "Alice.Smith@mail.example", EmailVerified: true})
	require.NoError(t, err)

	assert.NotEmpty(t, account.ID)
	assert.Equal(t, types.UserID("u1"), account.UID)
	assert.Equal(t, "alice.smith", account.Userpart)
	assert.Equal(t, "Alice.Smith@mail.example", account.Email)
	assert.Equal(t, "private-1", account.Keyring.Private)
	assert.False(t, account.Attributes.Admin)
	assert.Equal(t, provisionTime, account.CreatedAt)

	stored, err := store.GetByUserpart(ctx, "alice.smith")
	require.NoError(t, err)
	assert.Equal(t, account.ID, stored.ID)
}

func TestOnUserCreatedIsIdempotent(t *testing.T) {
	p, store, keys := newTestProvisioner("")
	ctx := context.Background()
	user := types.User{UID: "u1", Email: "alice@mail.example", EmailVerified: true}

	first, err := p.OnUserCreated(ctx, user)
	require.NoError(t, err)
	second, err := p.OnUserCreated(ctx, user)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.Accounts(), 1)
	assert.Equal(t, int32(1), keys.calls.Load())
}

func TestOnUserCreatedConcurrent(t *testing.T) {
	p, store, _ := newTestProvisioner("")
	user := types.User{UID: "u1", Email: "alice@mail.example"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.OnUserCreated(context.Background(), user)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, store.Accounts(), 1)
}

func TestOnUserCreatedOwnerIsAdmin(t *testing.T) {
	tests := []struct {
		name     string
		user     types.User
		expected bool
	}{
		{"verified owner", types.User{UID: "u1", Email: "Owner@Node.example", EmailVerified: true}, true},
		{"unverified owner", types.User{UID: "u2", Email: "owner@node.example"}, false},
		{"someone else", types.User{UID: "u3", Email: "bob@node.example", EmailVerified: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _ := newTestProvisioner("owner@node.example")
			account, err := p.OnUserCreated(context.Background(), tt.user)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, account.Attributes.Admin)
		})
	}
}

func TestOnUserCreatedUnverifiedEmailNotStored(t *testing.T) {
	p, _, _ := newTestProvisioner("")

	account, err := p.OnUserCreated(context.Background(), types.User{UID: "u1", Email: "carol@mail.example"})
	require.NoError(t, err)
	assert.Equal(t, "carol", account.Userpart)
	assert.Empty(t, account.Email)
}

func TestOnUserCreatedUserpartCollisions(t *testing.T) {
	p, _, _ := newTestProvisioner("")
	ctx := context.Background()

	var userparts []string
	for i := 1; i <= 3; i++ {
		account, err := p.OnUserCreated(ctx, types.User{UID: types.UserID(fmt.Sprintf("u%d", i)), Email: fmt.Sprintf("alice@host%d.example", i)})
		require.NoError(t, err)
		userparts = append(userparts, account.Userpart)
	}
	assert.Equal(t, []string{"alice", "alice-2", "alice-3"}, userparts)

	long := strings.Repeat("x", 30) + "@mail.example"
	a, err := p.OnUserCreated(ctx, types.User{UID: "l1", Email: long})
	require.NoError(t, err)
	b, err := p.OnUserCreated(ctx, types.User{UID: "l2", Email: long})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", MaxUserpartLength), a.Userpart)
	assert.Equal(t, strings.Repeat("x", MaxUserpartLength-2)+"-2", b.Userpart)
}

func TestOnUserCreatedEmailConflict(t *testing.T) {
	p, store, _ := newTestProvisioner("")
	ctx := context.Background()

	_, err := p.OnUserCreated(ctx, types.User{UID: "u1", Email: "alice@mail.example", EmailVerified: true})
	require.NoError(t, err)

	_, err = p.OnUserCreated(ctx, types.User{UID: "u2", Email: "ALICE@mail.example", EmailVerified: true})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Len(t, store.Accounts(), 1)
}

func TestOnUserCreatedRevivesGoneAccount(t *testing.T) {
	p, store, keys := newTestProvisioner("")
	ctx := context.Background()

	original, err := p.OnUserCreated(ctx, types.User{UID: "u1", Email: "alice@mail.example", EmailVerified: true})
	require.NoError(t, err)
	_, err = p.OnUserDeleted(ctx, types.User{UID: "u1"})
	require.NoError(t, err)

	t.Run("same uid", func(t *testing.T) {
		revived, err := p.OnUserCreated(ctx, types.User{UID: "u1", Email: "alice@mail.example"})
		require.NoError(t, err)
		assert.Equal(t, original.ID, revived.ID)
		assert.False(t, revived.Attributes.Gone)
		_, err = p.OnUserDeleted(ctx, types.User{UID: "u1"})
		require.NoError(t, err)
	})

	t.Run("verified email of another uid", func(t *testing.T) {
		revived, err := p.OnUserCreated(ctx, types.User{UID: "u9", Email: "alice@mail.example", EmailVerified: true})
		require.NoError(t, err)
		assert.Equal(t, original.ID, revived.ID)
		assert.Equal(t, types.UserID("u9"), revived.UID)
		assert.Equal(t, "alice", revived.Userpart)
		assert.Equal(t, original.Keyring, revived.Keyring)
	})

	assert.Len(t, store.Accounts(), 1)
	assert.Equal(t, int32(1), keys.calls.Load())
}

func TestOnUserDeleted(t *testing.T) {
	p, store, _ := newTestProvisioner("")
	ctx := context.Background()

	account, err := p.OnUserCreated(ctx, types.User{UID: "u1", Email: "alice@mail.example"})
	require.NoError(t, err)

	changed, err := p.OnUserDeleted(ctx, types.User{UID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	stored, err := store.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, stored.Attributes.Gone)

	changed, err = p.OnUserDeleted(ctx, types.User{UID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 0, changed)

	changed, err = p.OnUserDeleted(ctx, types.User{UID: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, 0, changed)
}

func TestInvalidUser(t *testing.T) {
	p, _, _ := newTestProvisioner("")

	_, err := p.OnUserCreated(context.Background(), types.User{Email: "a@b"})
	assert.ErrorIs(t, err, ErrInvalidUser)
	_, err = p.OnUserDeleted(context.Background(), types.User{})
	assert.ErrorIs(t, err, ErrInvalidUser)
}

func TestKeyGenerationFailureStoresNothing(t *testing.T) {
	p, store, keys := newTestProvisioner("")
	keys.err = errors.New("entropy exhausted")

	_, err := p.OnUserCreated(context.Background(), types.User{UID: "u1", Email: "alice@mail.example"})
	assert.Error(t, err)
	assert.Empty(t, store.Accounts())
}

func TestUserpart(t *testing.T) {
	tests := []struct {
		email    string
		expected string
	}{
		{"alice@mail.example", "alice"},
		{"Bob.Jones@mail.example", "bob.jones"},
		{"carol+news@mail.example", "carol_news"},
		{"d-a-n@mail.example", "d_a_n"},
		{"ünïcode@mail.example", "ncode"},
		{".dots.@mail.example", "dots"},
		{"", fallbackUserpart},
		{"@mail.example", fallbackUserpart},
		{"!!!@mail.example", fallbackUserpart},
		{"abcdefghijklmnopqrstuvwxyz@mail.example", "abcdefghijklmnopqrst"},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			if got := Userpart(tt.email); got != tt.expected {
				t.Errorf("Userpart(%q) = %q, want %q", tt.email, got, tt.expected)
			}
		})
	}
}

func TestRSAKeyGenerator(t *testing.T) {
	keyring, err := RSAKeyGenerator{}.Generate()
	require.NoError(t, err)

	sig, err := httpsig.Sign(keyring.Private, "date: today")
	require.NoError(t, err)
	ok, err := httpsig.Verify(keyring.Public, "date: today", sig)
	require.NoError(t, err)
	assert.True(t, ok)

	key, err := httpsig.ParsePrivateKey(keyring.Private)
	require.NoError(t, err)
	assert.Equal(t, DefaultKeyBits, key.N.BitLen())
}
