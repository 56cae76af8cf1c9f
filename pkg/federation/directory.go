package federation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ouka/pkg/storage"
	"ouka/pkg/types"
)

var (
	// ErrActorNotFound is returned when a local account does not exist.
	ErrActorNotFound = errors.New("actor not found")
	// ErrActorFetch is returned when a remote profile or webfinger document cannot be fetched.
	ErrActorFetch = errors.New("actor fetch failed")
	// ErrActorValidation is returned when a fetched document is missing required fields.
	ErrActorValidation = errors.New("actor validation failed")
)

// AccountStore looks up local accounts. Both methods return storage.ErrNotFound
// when no account matches.
type AccountStore interface {
	GetByID(ctx context.Context, id types.AccountID) (*types.Account, error)
	GetByUserpart(ctx context.Context, userpart string) (*types.Account, error)
}

// HTTPClient performs outbound requests. Transport failures and non-2xx
// responses are returned as errors.
type HTTPClient interface {
	Get(ctx context.Context, uri string, headers map[string]string) ([]byte, error)
	Post(ctx context.Context, uri string, body []byte, headers map[string]string) error
}

// Directory resolves local and remote actors. Remote profiles are cached
// under their content address and re-fetched once the TTL has elapsed.
type Directory struct {
	node     *Node
	accounts AccountStore
	cache    ActorCache
	client   HTTPClient
	clock    Clock
	ttl      time.Duration
	policy   *DomainPolicy
	metrics  *Metrics
	logger   *zap.Logger
}

// NewDirectory creates a directory for the given node.
func NewDirectory(node *Node, accounts AccountStore, cache ActorCache, client HTTPClient, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Directory{
		node:     node,
		accounts: accounts,
		cache:    cache,
		client:   client,
		clock:    SystemClock(),
		ttl:      DefaultCacheTTL,
		logger:   logger,
	}
}

func (d *Directory) SetClock(clock Clock) {
	d.clock = clock
}

func (d *Directory) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		d.ttl = ttl
	}
}

// SetPolicy refuses remote resolution for blocked domains.
func (d *Directory) SetPolicy(p *DomainPolicy) {
	d.policy = p
}

func (d *Directory) SetMetrics(m *Metrics) {
	d.metrics = m
}

// Node returns the node this directory serves.
func (d *Directory) Node() *Node {
	return d.node
}

// ResolveLocal returns the local actor for an account id.
func (d *Directory) ResolveLocal(ctx context.Context, id types.AccountID) (*LocalActor, error) {
	account, err := d.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, d.lookupError(err, string(id))
	}
	return d.localActor(account)
}

// ResolveLocalByUserpart returns the local actor with the given handle.
func (d *Directory) ResolveLocalByUserpart(ctx context.Context, userpart string) (*LocalActor, error) {
	account, err := d.accounts.GetByUserpart(ctx, userpart)
	if err != nil {
		return nil, d.lookupError(err, userpart)
	}
	return d.localActor(account)
}

func (d *Directory) lookupError(err error, key string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrActorNotFound, key)
	}
	return fmt.Errorf("failed to look up account %s: %w", key, err)
}

func (d *Directory) localActor(account *types.Account) (*LocalActor, error) {
	if account.Attributes.Gone {
		return nil, fmt.Errorf("%w: %s is gone", ErrActorNotFound, account.Userpart)
	}
	if account.Keyring.Private == "" {
		// An account without a private key cannot sign and is not a usable local actor.
		return nil, fmt.Errorf("%w: %s has no keyring", ErrActorNotFound, account.Userpart)
	}

	return &LocalActor{
		ID:        d.node.ActorURI(account.Userpart),
		AccountID: account.ID,
		Userpart:  account.Userpart,
		Keyring:   account.Keyring,
	}, nil
}

// ResolveRemote returns the remote actor at uri, using the cache when the
// stored profile is still fresh.
func (d *Directory) ResolveRemote(ctx context.Context, uri string) (*RemoteActor, error) {
	normalized := NormalizeURI(uri)
	if err := d.policy.Check(normalized); err != nil {
		return nil, err
	}
	key := CacheKey(normalized)

	if actor, ok := d.cached(ctx, key, normalized); ok {
		d.metrics.cacheHit()
		return actor, nil
	}
	d.metrics.cacheMiss()

	raw, err := d.client.Get(ctx, normalized, map[string]string{"Accept": ContentType})
	d.metrics.remoteFetch(err)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrActorFetch, normalized, err)
	}

	actor, err := parseProfile(raw)
	if err == nil {
		err = checkOrigin(actor, normalized)
	}
	if err != nil {
		d.logger.Debug("Rejected remote profile",
			zap.String("uri", normalized),
			zap.Error(err))
		return nil, err
	}

	entry := types.CachedActor{Profile: raw, FetchedAt: d.clock.Now()}
	if err := d.cache.Put(ctx, key, entry); err != nil {
		d.metrics.cacheError()
		d.logger.Warn("Failed to cache remote actor",
			zap.String("uri", normalized),
			zap.Error(err))
	}

	return actor, nil
}

// cached returns the actor stored under key if it is fresh and still valid.
// Every failure is a miss.
func (d *Directory) cached(ctx context.Context, key, uri string) (*RemoteActor, bool) {
	entry, found, err := d.cache.Get(ctx, key)
	if err != nil {
		d.metrics.cacheError()
		d.logger.Warn("Actor cache read failed",
			zap.String("uri", uri),
			zap.Error(err))
		return nil, false
	}
	if !found || !d.fresh(entry) {
		return nil, false
	}

	actor, err := parseProfile(entry.Profile)
	if err == nil {
		err = checkOrigin(actor, uri)
	}
	if err != nil {
		d.logger.Warn("Discarding invalid cached profile",
			zap.String("uri", uri),
			zap.Error(err))
		return nil, false
	}
	return actor, true
}

func (d *Directory) fresh(entry types.CachedActor) bool {
	return d.clock.Now().Before(entry.FetchedAt.Add(d.ttl))
}

// ResolveByAcctURI resolves acct:user@host. Local hosts are looked up in the
// account store; others go through webfinger.
func (d *Directory) ResolveByAcctURI(ctx context.Context, acct string) (Actor, error) {
	addr, err := ParseAcctURI(acct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorValidation, err)
	}

	if addr.IsLocal(d.node.Host) {
		return d.resolveLocalActor(ctx, addr.LocalPart)
	}
	if err := d.policy.Check(acct); err != nil {
		return nil, err
	}

	raw, err := d.client.Get(ctx, webfingerURL(addr), map[string]string{"Accept": JRDContentType})
	d.metrics.remoteFetch(err)
	if err != nil {
		return nil, fmt.Errorf("%w: webfinger %s: %v", ErrActorFetch, addr, err)
	}

	wf, err := parseWebFinger(raw)
	if err != nil {
		return nil, err
	}
	self, ok := wf.SelfLink()
	if !ok {
		return nil, fmt.Errorf("%w: webfinger for %s has no self link", ErrActorValidation, addr)
	}

	return d.resolveRemoteActor(ctx, self)
}

// Resolve routes any actor reference: acct: URIs, local actor URIs and remote URIs.
func (d *Directory) Resolve(ctx context.Context, uri string) (Actor, error) {
	if strings.HasPrefix(uri, acctScheme) {
		return d.ResolveByAcctURI(ctx, uri)
	}

	if userpart, ok := d.node.LocalUserpart(NormalizeURI(uri)); ok {
		return d.resolveLocalActor(ctx, userpart)
	}

	return d.resolveRemoteActor(ctx, uri)
}

// The helpers below keep a nil *LocalActor or *RemoteActor out of the Actor interface.

func (d *Directory) resolveLocalActor(ctx context.Context, userpart string) (Actor, error) {
	actor, err := d.ResolveLocalByUserpart(ctx, userpart)
	if err != nil {
		return nil, err
	}
	return actor, nil
}

func (d *Directory) resolveRemoteActor(ctx context.Context, uri string) (Actor, error) {
	actor, err := d.ResolveRemote(ctx, uri)
	if err != nil {
		return nil, err
	}
	return actor, nil
}
