package types

import (
	"encoding/json"
	"time"
)

type AccountID string
type UserID string

// Keyring holds PEM encoded RSA keys. Private is empty for remote identities.
type Keyring struct {
	Public  string `json:"pub"`
	Private string `json:"key,omitempty"`
}

// Attributes are account flags managed by provisioning.
type Attributes struct {
	Admin  bool `json:"admin"`
	Gone   bool `json:"gone"`
	Frozen bool `json:"frozen"`
}

// Account is a local account record as persisted by the account store.
type Account struct {
	ID         AccountID
	UID        UserID
	Userpart   string
	Email      string // empty unless verified
	Keyring    Keyring
	Attributes Attributes
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// User is an authentication-side identity event payload.
type User struct {
	UID           UserID
	Email         string
	EmailVerified bool
}

// CachedActor is a fetched remote actor profile and the time it was fetched.
type CachedActor struct {
	Profile   json.RawMessage `json:"profile"`
	FetchedAt time.Time       `json:"fetched_at"`
}
