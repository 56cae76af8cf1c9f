package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ouka/pkg/storage"
	"ouka/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeClient struct {
	mu        sync.Mutex
	responses map[string][]byte
	errs      map[string]error
	gets      map[string]int
	headers   map[string]map[string]string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		responses: make(map[string][]byte),
		errs:      make(map[string]error),
		gets:      make(map[string]int),
		headers:   make(map[string]map[string]string),
	}
}

func (c *fakeClient) Get(ctx context.Context, uri string, headers map[string]string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets[uri]++
	c.headers[uri] = headers
	if err, ok := c.errs[uri]; ok {
		return nil, err
	}
	body, ok := c.responses[uri]
	if !ok {
		return nil, fmt.Errorf("unexpected status 404 for %s", uri)
	}
	return body, nil
}

func (c *fakeClient) Post(ctx context.Context, uri string, body []byte, headers map[string]string) error {
	return errors.New("not implemented")
}

func (c *fakeClient) getCount(uri string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets[uri]
}

type brokenCache struct{}

func (brokenCache) Get(ctx context.Context, key string) (types.CachedActor, bool, error) {
	return types.CachedActor{}, false, errors.New("cache down")
}

func (brokenCache) Put(ctx context.Context, key string, entry types.CachedActor) error {
	return errors.New("cache down")
}

func remoteProfile(id string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"@context":          []string{ActivityStreamsContext, SecurityContext},
		"id":                id,
		"type":              "Person",
		"preferredUsername": "remote",
		"inbox":             id + "/inbox",
		"publicKey": map[string]string{
			"id":           id + "#main-key",
			"owner":        id,
			"publicKeyPem": "-----BEGIN PUBLIC KEY-----\nremote\n-----END PUBLIC KEY-----\n",
		},
	})
	return raw
}

type directoryFixture struct {
	dir    *Directory
	store  *storage.Memory
	client *fakeClient
	clock  *fakeClock
}

func newDirectoryFixture(t *testing.T) *directoryFixture {
	t.Helper()
	store := storage.NewMemory()
	client := newFakeClient()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}

	dir := NewDirectory(&Node{Host: "node.example"}, store, store, client, nil)
	dir.SetClock(clock)

	return &directoryFixture{dir: dir, store: store, client: client, clock: clock}
}

func (f *directoryFixture) addAccount(t *testing.T, account types.Account) {
	t.Helper()
	err := f.store.Transact(context.Background(), func(tx storage.AccountTx) error {
		return tx.Save(context.Background(), &account)
	})
	require.NoError(t, err)
}

func TestResolveLocal(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)
	f.addAccount(t, types.Account{
		ID:       "acc-1",
		UID:      "uid-1",
		Userpart: "alice",
		Keyring:  types.Keyring{Public: "pub", Private: "key"},
	})
	f.addAccount(t, types.Account{
		ID:         "acc-2",
		UID:        "uid-2",
		Userpart:   "gone",
		Keyring:    types.Keyring{Public: "pub", Private: "key"},
		Attributes: types.Attributes{Gone: true},
	})
	f.addAccount(t, types.Account{ID: "acc-3", UID: "uid-3", Userpart: "keyless"})

	actor, err := f.dir.ResolveLocal(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "https://node.example/ap/accounts/@alice", actor.URI())
	assert.Equal(t, "https://node.example/ap/accounts/@alice/inbox", actor.Inbox())
	assert.Equal(t, "https://node.example/ap/accounts/@alice#key", actor.KeyID())
	assert.Equal(t, "key", actor.Keyring.Private)

	byUserpart, err := f.dir.ResolveLocalByUserpart(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, actor, byUserpart)

	for _, userpart := range []string{"nobody", "gone", "keyless"} {
		_, err := f.dir.ResolveLocalByUserpart(ctx, userpart)
		assert.ErrorIs(t, err, ErrActorNotFound, userpart)
	}
	_, err = f.dir.ResolveLocal(ctx, "acc-missing")
	assert.ErrorIs(t, err, ErrActorNotFound)
}

func TestResolveRemoteCachesWithinTTL(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)
	uri := "https://remote.example/users/bob"
	f.client.responses[uri] = remoteProfile(uri)

	actor, err := f.dir.ResolveRemote(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, uri, actor.URI())
	assert.Equal(t, uri+"/inbox", actor.Inbox())
	assert.Equal(t, ContentType, f.client.headers[uri]["Accept"])

	// The fragment is stripped before the cache lookup.
	f.clock.Advance(23 * time.Hour)
	again, err := f.dir.ResolveRemote(ctx, uri+"#main-key")
	require.NoError(t, err)
	assert.Equal(t, actor.Profile, again.Profile)
	assert.Equal(t, 1, f.client.getCount(uri))

	// Exactly at fetchedAt + TTL the entry is stale.
	f.clock.Advance(time.Hour)
	_, err = f.dir.ResolveRemote(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, 2, f.client.getCount(uri))
}

func TestResolveRemoteCustomTTL(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)
	f.dir.SetTTL(time.Minute)
	uri := "https://remote.example/users/bob"
	f.client.responses[uri] = remoteProfile(uri)

	_, err := f.dir.ResolveRemote(ctx, uri)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)
	_, err = f.dir.ResolveRemote(ctx, uri)
	require.NoError(t, err)

	assert.Equal(t, 2, f.client.getCount(uri))
}

func TestResolveRemoteCacheFailureFailsOpen(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	uri := "https://remote.example/users/bob"
	client.responses[uri] = remoteProfile(uri)

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	dir := NewDirectory(&Node{Host: "node.example"}, storage.NewMemory(), brokenCache{}, client, nil)
	dir.SetMetrics(metrics)

	for i := 0; i < 2; i++ {
		actor, err := dir.ResolveRemote(ctx, uri)
		require.NoError(t, err)
		assert.Equal(t, uri, actor.URI())
	}

	assert.Equal(t, 2, client.getCount(uri))
	// One failed read and one failed write per call.
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.CacheErrors))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.CacheMisses))
}

func TestResolveRemoteDiscardsInvalidCacheEntry(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)
	uri := "https://remote.example/users/bob"
	f.client.responses[uri] = remoteProfile(uri)

	key := CacheKey(uri)
	require.NoError(t, f.store.Put(ctx, key, types.CachedActor{Profile: []byte(`{"id":"x"}`), FetchedAt: f.clock.Now()}))

	actor, err := f.dir.ResolveRemote(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, uri, actor.URI())
	assert.Equal(t, 1, f.client.getCount(uri))

	entry, found, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, string(remoteProfile(uri)), string(entry.Profile))
}

func TestResolveRemoteErrors(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	missingKey := map[string]any{
		"id":                "https://remote.example/users/nokey",
		"preferredUsername": "nokey",
		"inbox":             "https://remote.example/users/nokey/inbox",
	}
	raw, err := json.Marshal(missingKey)
	require.NoError(t, err)
	f.client.responses["https://remote.example/users/nokey"] = raw
	f.client.responses["https://remote.example/users/garbage"] = []byte("<html>")
	f.client.errs["https://remote.example/users/down"] = errors.New("connection refused")

	tests := []struct {
		uri  string
		want error
	}{
		{"https://remote.example/users/nokey", ErrActorValidation},
		{"https://remote.example/users/garbage", ErrActorValidation},
		{"https://remote.example/users/down", ErrActorFetch},
		{"https://remote.example/users/unknown", ErrActorFetch},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			_, err := f.dir.ResolveRemote(ctx, tt.uri)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// Failed resolutions are never cached.
	_, found, err := f.store.Get(ctx, CacheKey("https://remote.example/users/nokey"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResolveRemoteRejectsForeignID(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	forged := "https://evil.example/key"
	f.client.responses[forged] = remoteProfile("https://remote.example/users/bob")

	_, err := f.dir.ResolveRemote(ctx, forged+"#main-key")
	assert.ErrorIs(t, err, ErrActorValidation)

	_, found, err := f.store.Get(ctx, CacheKey(forged))
	require.NoError(t, err)
	assert.False(t, found)

	// A foreign profile already in the cache is a miss, and the refetch
	// is rejected the same way.
	require.NoError(t, f.store.Put(ctx, CacheKey(forged), types.CachedActor{
		Profile:   remoteProfile("https://remote.example/users/bob"),
		FetchedAt: f.clock.Now(),
	}))
	_, err = f.dir.ResolveRemote(ctx, forged)
	assert.ErrorIs(t, err, ErrActorValidation)
	assert.Equal(t, 2, f.client.getCount(forged))
}

func TestResolveByAcctURI(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)
	f.addAccount(t, types.Account{
		ID:       "acc-1",
		Userpart: "alice",
		Keyring:  types.Keyring{Public: "pub", Private: "key"},
	})

	profileURI := "https://remote.example/users/bob"
	f.client.responses[profileURI] = remoteProfile(profileURI)
	wf, err := json.Marshal(WebFinger{
		Subject: "acct:bob@remote.example",
		Links: []Link{
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: "https://remote.example/@bob"},
			{Rel: "self", Type: ContentType, Href: profileURI},
		},
	})
	require.NoError(t, err)
	wfURL := "https://remote.example/.well-known/webfinger?resource=acct%3Abob%40remote.example"
	f.client.responses[wfURL] = wf

	t.Run("local host uses the account store", func(t *testing.T) {
		actor, err := f.dir.ResolveByAcctURI(ctx, "acct:alice@node.example")
		require.NoError(t, err)
		local, ok := actor.(*LocalActor)
		require.True(t, ok)
		assert.Equal(t, "alice", local.Userpart)
		assert.Zero(t, len(f.client.gets))
	})

	t.Run("remote host goes through webfinger", func(t *testing.T) {
		actor, err := f.dir.ResolveByAcctURI(ctx, "acct:bob@remote.example")
		require.NoError(t, err)
		remote, ok := actor.(*RemoteActor)
		require.True(t, ok)
		assert.Equal(t, profileURI, remote.URI())
		assert.Equal(t, 1, f.client.getCount(wfURL))
		assert.Equal(t, JRDContentType, f.client.headers[wfURL]["Accept"])
	})

	t.Run("missing self link", func(t *testing.T) {
		raw, err := json.Marshal(WebFinger{Subject: "acct:eve@other.example"})
		require.NoError(t, err)
		f.client.responses["https://other.example/.well-known/webfinger?resource=acct%3Aeve%40other.example"] = raw

		actor, err := f.dir.ResolveByAcctURI(ctx, "acct:eve@other.example")
		assert.ErrorIs(t, err, ErrActorValidation)
		assert.Nil(t, actor)
	})

	t.Run("webfinger unreachable", func(t *testing.T) {
		_, err := f.dir.ResolveByAcctURI(ctx, "acct:zed@down.example")
		assert.ErrorIs(t, err, ErrActorFetch)
	})

	t.Run("unknown local user", func(t *testing.T) {
		actor, err := f.dir.ResolveByAcctURI(ctx, "acct:nobody@node.example")
		assert.ErrorIs(t, err, ErrActorNotFound)
		assert.Nil(t, actor)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := f.dir.ResolveByAcctURI(ctx, "acct:nohost")
		assert.ErrorIs(t, err, ErrActorValidation)
	})
}

func TestResolveRoutes(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)
	f.addAccount(t, types.Account{
		ID:       "acc-1",
		Userpart: "alice",
		Keyring:  types.Keyring{Public: "pub", Private: "key"},
	})
	remote := "https://remote.example/users/bob"
	f.client.responses[remote] = remoteProfile(remote)

	actor, err := f.dir.Resolve(ctx, "https://node.example/ap/accounts/@alice#key")
	require.NoError(t, err)
	assert.IsType(t, &LocalActor{}, actor)

	actor, err = f.dir.Resolve(ctx, "acct:alice@node.example")
	require.NoError(t, err)
	assert.IsType(t, &LocalActor{}, actor)

	actor, err = f.dir.Resolve(ctx, remote)
	require.NoError(t, err)
	assert.IsType(t, &RemoteActor{}, actor)

	actor, err = f.dir.Resolve(ctx, "https://remote.example/users/nobody")
	assert.ErrorIs(t, err, ErrActorFetch)
	assert.Nil(t, actor)
}

func TestResolveBlockedDomain(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)
	policy, err := NewDomainPolicy("spam.example")
	require.NoError(t, err)
	f.dir.SetPolicy(policy)

	spammer := "https://spam.example/users/x"
	f.client.responses[spammer] = remoteProfile(spammer)
	f.client.responses["https://remote.example/users/ok"] = remoteProfile("https://remote.example/users/ok")

	_, err = f.dir.Resolve(ctx, spammer+"#main-key")
	assert.ErrorIs(t, err, ErrBlockedDomain)
	_, err = f.dir.Resolve(ctx, "acct:x@spam.example")
	assert.ErrorIs(t, err, ErrBlockedDomain)
	assert.Equal(t, 0, f.client.getCount(spammer), "blocked actors are never fetched")
	assert.Equal(t, 0, f.client.getCount("https://spam.example/.well-known/webfinger?resource=acct%3Ax%40spam.example"))

	_, err = f.dir.Resolve(ctx, "https://remote.example/users/ok")
	assert.NoError(t, err)
}
