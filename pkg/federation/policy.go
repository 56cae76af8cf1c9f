package federation

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrBlockedDomain is returned for actors hosted on a blocked domain.
var ErrBlockedDomain = errors.New("domain blocked")

const defaultPolicyCacheTTL = time.Minute

// DomainBlock suspends federation with a domain. A domain written as
// "*.example" blocks every subdomain of example but not example itself.
type DomainBlock struct {
	Domain string
	Reason string
	// Until ends the block; nil blocks indefinitely.
	Until *time.Time
}

// DomainPolicy decides which remote hosts the node federates with. A nil
// *DomainPolicy allows everything.
type DomainPolicy struct {
	mu     sync.RWMutex
	blocks map[string]DomainBlock
	clock  Clock

	// Decision cache, cleared whenever the block list changes
	cache    map[string]policyCacheEntry
	cacheTTL time.Duration
}

type policyCacheEntry struct {
	blocked   bool
	expiresAt time.Time
}

// NewDomainPolicy returns a policy blocking the given domains indefinitely.
func NewDomainPolicy(domains ...string) (*DomainPolicy, error) {
	p := &DomainPolicy{
		blocks:   make(map[string]DomainBlock),
		clock:    SystemClock(),
		cache:    make(map[string]policyCacheEntry),
		cacheTTL: defaultPolicyCacheTTL,
	}
	for _, d := range domains {
		if err := p.Block(d, "", nil); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *DomainPolicy) SetClock(clock Clock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
	p.clearCache()
}

// Block adds or replaces the block for domain.
func (p *DomainPolicy) Block(domain, reason string, until *time.Time) error {
	domain = normalizeDomain(domain)
	bare := strings.TrimPrefix(domain, "*.")
	if bare == "" || strings.ContainsAny(bare, "/@:* ") {
		return fmt.Errorf("invalid domain %q", domain)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks[domain] = DomainBlock{Domain: domain, Reason: reason, Until: until}
	p.clearCache()
	return nil
}

// Unblock removes the block for domain and reports whether one existed.
func (p *DomainPolicy) Unblock(domain string) bool {
	domain = normalizeDomain(domain)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.blocks[domain]; !ok {
		return false
	}
	delete(p.blocks, domain)
	p.clearCache()
	return true
}

// Blocks returns the configured blocks sorted by domain, expired ones included.
func (p *DomainPolicy) Blocks() []DomainBlock {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]DomainBlock, 0, len(p.blocks))
	for _, b := range p.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// IsBlocked reports whether host is covered by an active block.
func (p *DomainPolicy) IsBlocked(host string) bool {
	if p == nil {
		return false
	}
	host = normalizeDomain(host)

	p.mu.RLock()
	now := p.clock.Now()
	if entry, ok := p.cache[host]; ok && now.Before(entry.expiresAt) {
		p.mu.RUnlock()
		return entry.blocked
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	blocked, expiresAt := false, now.Add(p.cacheTTL)
	for _, b := range p.blocks {
		if b.Until != nil && !now.Before(*b.Until) {
			continue
		}
		if !matchesDomain(b.Domain, host) {
			continue
		}
		blocked = true
		if b.Until != nil && b.Until.Before(expiresAt) {
			expiresAt = *b.Until
		}
	}
	p.cache[host] = policyCacheEntry{blocked: blocked, expiresAt: expiresAt}
	return blocked
}

// Check returns ErrBlockedDomain when ref, an http(s) or acct: URI, names
// a blocked host. References without a host pass.
func (p *DomainPolicy) Check(ref string) error {
	if p == nil {
		return nil
	}

	var host string
	if strings.HasPrefix(ref, acctScheme) {
		addr, err := ParseAcctURI(ref)
		if err != nil {
			return nil
		}
		host = addr.Domain
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	} else if u, err := url.Parse(ref); err == nil {
		host = u.Hostname()
	}

	if host != "" && p.IsBlocked(host) {
		return fmt.Errorf("%w: %s", ErrBlockedDomain, host)
	}
	return nil
}

func (p *DomainPolicy) clearCache() {
	p.cache = make(map[string]policyCacheEntry)
}

func normalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

func matchesDomain(pattern, host string) bool {
	if suffix, ok := strings.CutPrefix(pattern, "*"); ok {
		return strings.HasSuffix(host, suffix)
	}
	return pattern == host
}
