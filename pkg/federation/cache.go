package federation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"ouka/pkg/types"
)

// DefaultCacheTTL bounds how long a fetched profile is trusted.
const DefaultCacheTTL = 24 * time.Hour

// ActorCache stores raw remote profiles by cache key. Implementations need not
// expire entries; freshness is checked by the Directory on every read.
type ActorCache interface {
	Get(ctx context.Context, key string) (types.CachedActor, bool, error)
	Put(ctx context.Context, key string, entry types.CachedActor) error
}

// Clock is injected so cache freshness can be tested.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// NormalizeURI strips the fragment from an actor or key URI.
func NormalizeURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		base, _, _ := strings.Cut(uri, "#")
		return base
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// CacheKey returns the content address of a normalized URI.
func CacheKey(normalizedURI string) string {
	sum := sha256.Sum256([]byte(normalizedURI))
	return hex.EncodeToString(sum[:])
}
