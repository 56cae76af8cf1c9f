package federation

import (
	"fmt"
	"strings"
)

const acctScheme = "acct:"

// AcctAddress is a webfinger account address.
// Examples:
//   - acct:alice@node.example
//   - acct:bob@localhost:8080
type AcctAddress struct {
	LocalPart string // alice
	Domain    string // node.example
}

// ParseAcctURI parses an acct: URI. The scheme prefix is optional.
func ParseAcctURI(uri string) (*AcctAddress, error) {
	if uri == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}

	addr := strings.TrimPrefix(uri, acctScheme)
	addr = strings.TrimPrefix(addr, "@")

	parts := strings.Split(addr, "@")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid address format: must contain exactly one @ symbol")
	}

	a := &AcctAddress{LocalPart: parts[0], Domain: parts[1]}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// String returns the canonical acct: URI
func (a *AcctAddress) String() string {
	if a == nil {
		return ""
	}
	return fmt.Sprintf("%s%s@%s", acctScheme, a.LocalPart, a.Domain)
}

// IsLocal returns true if this address belongs to the specified host
func (a *AcctAddress) IsLocal(host string) bool {
	if a == nil {
		return false
	}
	return strings.EqualFold(a.Domain, host)
}

// Validate checks that both parts are present and free of URI delimiters
func (a *AcctAddress) Validate() error {
	if a == nil {
		return fmt.Errorf("address is nil")
	}
	if a.LocalPart == "" {
		return fmt.Errorf("local part cannot be empty")
	}
	if a.Domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}
	if strings.ContainsAny(a.LocalPart, "/?#: \t") {
		return fmt.Errorf("local part contains invalid characters")
	}
	if strings.ContainsAny(a.Domain, "/?#@ \t") {
		return fmt.Errorf("domain contains invalid characters")
	}
	return nil
}
