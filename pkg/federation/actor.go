package federation

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"ouka/pkg/types"
)

const (
	// ContentType is the media type of ActivityPub documents.
	ContentType = "application/activity+json"

	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"

	localActorPrefix = "/ap/accounts/@"
)

// Actor is a federation participant: either a *LocalActor or a *RemoteActor.
type Actor interface {
	// URI is the actor's id.
	URI() string
	// PublicKeyPEM returns the actor's RSA public key.
	PublicKeyPEM() string
	// Inbox is where activities for this actor are delivered.
	Inbox() string

	actor()
}

// LocalActor is an account hosted on this node. It always carries its private key.
type LocalActor struct {
	ID        string
	AccountID types.AccountID
	Userpart  string
	Keyring   types.Keyring
}

func (a *LocalActor) URI() string          { return a.ID }
func (a *LocalActor) PublicKeyPEM() string { return a.Keyring.Public }
func (a *LocalActor) Inbox() string        { return a.ID + "/inbox" }
func (a *LocalActor) actor()               {}

// Outbox is the endpoint accepting locally authored activities.
func (a *LocalActor) Outbox() string { return a.ID + "/outbox" }

// KeyID is the URL of the actor's public key, used as the signature keyId.
func (a *LocalActor) KeyID() string { return a.ID + "#key" }

// Profile renders the actor document served to other nodes.
func (a *LocalActor) Profile() *Profile {
	return &Profile{
		Context:           []string{ActivityStreamsContext, SecurityContext},
		ID:                a.ID,
		Type:              "Person",
		PreferredUsername: a.Userpart,
		Inbox:             a.Inbox(),
		Outbox:            a.Outbox(),
		PublicKey: PublicKey{
			ID:           a.KeyID(),
			Owner:        a.ID,
			PublicKeyPem: a.Keyring.Public,
		},
	}
}

// RemoteActor is an actor hosted elsewhere, built only from a fetched profile.
type RemoteActor struct {
	Profile  Profile
	InboxURI string
}

func (a *RemoteActor) URI() string          { return a.Profile.ID }
func (a *RemoteActor) PublicKeyPEM() string { return a.Profile.PublicKey.PublicKeyPem }
func (a *RemoteActor) Inbox() string        { return a.InboxURI }
func (a *RemoteActor) actor()               {}

// Profile is an ActivityPub actor document.
type Profile struct {
	Context           any        `json:"@context,omitempty"`
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	PreferredUsername string     `json:"preferredUsername"`
	Name              string     `json:"name,omitempty"`
	Inbox             string     `json:"inbox"`
	Outbox            string     `json:"outbox,omitempty"`
	Followers         string     `json:"followers,omitempty"`
	Endpoints         *Endpoints `json:"endpoints,omitempty"`
	PublicKey         PublicKey  `json:"publicKey"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PublicKey struct {
	ID           string `json:"id,omitempty"`
	Owner        string `json:"owner,omitempty"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// parseProfile decodes and validates a fetched actor document.
func parseProfile(raw []byte) (*RemoteActor, error) {
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: failed to decode profile: %v", ErrActorValidation, err)
	}

	var missing []string
	if p.ID == "" {
		missing = append(missing, "id")
	}
	if p.PreferredUsername == "" {
		missing = append(missing, "preferredUsername")
	}
	if p.Inbox == "" {
		missing = append(missing, "inbox")
	}
	if p.PublicKey.PublicKeyPem == "" {
		missing = append(missing, "publicKey.publicKeyPem")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: profile missing %s", ErrActorValidation, strings.Join(missing, ", "))
	}

	return &RemoteActor{Profile: p, InboxURI: p.Inbox}, nil
}

// checkOrigin rejects a profile whose id is hosted somewhere other than the
// URI it was fetched from.
func checkOrigin(actor *RemoteActor, fetched string) error {
	id, err := url.Parse(actor.Profile.ID)
	if err != nil {
		return fmt.Errorf("%w: invalid profile id %q", ErrActorValidation, actor.Profile.ID)
	}
	from, err := url.Parse(fetched)
	if err != nil || !strings.EqualFold(id.Host, from.Host) {
		return fmt.Errorf("%w: profile id %s does not belong to %s", ErrActorValidation, actor.Profile.ID, fetched)
	}
	return nil
}

// Node identifies this server and derives its local actor URIs.
type Node struct {
	Host string
}

// ActorURI returns the id of the local actor with the given userpart.
func (n *Node) ActorURI(userpart string) string {
	return "https://" + n.Host + localActorPrefix + userpart
}

// LocalUserpart reports whether uri names a local actor and returns its userpart.
func (n *Node) LocalUserpart(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || !strings.EqualFold(u.Host, n.Host) {
		return "", false
	}
	if !strings.HasPrefix(u.Path, localActorPrefix) {
		return "", false
	}
	userpart := strings.TrimPrefix(u.Path, localActorPrefix)
	if userpart == "" || strings.Contains(userpart, "/") {
		return "", false
	}
	return userpart, true
}
