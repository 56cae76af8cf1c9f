// Package federation resolves the actors taking part in ActivityPub federation.
// It provides acct: addressing, webfinger discovery, the local and remote Actor
// variants, and the Directory that resolves them backed by an account store and a
// TTL-bounded, content-addressed cache of remote profiles.
package federation
