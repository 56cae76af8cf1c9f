package federation

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// JRDContentType is the media type of webfinger responses.
const JRDContentType = "application/jrd+json"

// WebFinger is a JSON Resource Descriptor.
type WebFinger struct {
	Subject string `json:"subject"`
	Links   []Link `json:"links"`
}

type Link struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

// NewWebFinger describes a local actor.
func NewWebFinger(addr *AcctAddress, actorURI string) *WebFinger {
	return &WebFinger{
		Subject: addr.String(),
		Links: []Link{
			{Rel: "self", Type: ContentType, Href: actorURI},
		},
	}
}

// SelfLink returns the profile URI, preferring an ActivityPub typed self link.
func (wf *WebFinger) SelfLink() (string, bool) {
	fallback := ""
	for _, l := range wf.Links {
		if l.Rel != "self" || l.Href == "" {
			continue
		}
		if l.Type == ContentType {
			return l.Href, true
		}
		if fallback == "" {
			fallback = l.Href
		}
	}
	return fallback, fallback != ""
}

func webfingerURL(addr *AcctAddress) string {
	query := url.Values{"resource": {addr.String()}}
	return "https://" + addr.Domain + "/.well-known/webfinger?" + query.Encode()
}

func parseWebFinger(raw []byte) (*WebFinger, error) {
	var wf WebFinger
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("%w: failed to decode webfinger: %v", ErrActorValidation, err)
	}
	return &wf, nil
}
