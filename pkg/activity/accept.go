package activity

import (
	"fmt"

	"github.com/google/uuid"
)

// NewAccept answers a Follow received by actorURI. The follower is the sole
// recipient.
func NewAccept(actorURI string, follow Document) (Document, error) {
	if follow.Type() != "Follow" {
		return nil, fmt.Errorf("%w: can only accept a Follow, got %q", ErrValidation, follow.Type())
	}
	follower := idOf(follow["actor"])
	if follower == "" {
		return nil, fmt.Errorf("%w: follow has no actor", ErrValidation)
	}

	object := map[string]any{
		"type":   "Follow",
		"actor":  follower,
		"object": cloneValue(follow["object"]),
	}
	if id := follow.ID(); id != "" {
		object["id"] = id
	}

	return Document{
		"@context": Namespace,
		"id":       fmt.Sprintf("%s#accepts/follows/%s", actorURI, uuid.NewString()),
		"type":     "Accept",
		"actor":    actorURI,
		"to":       []any{follower},
		"object":   object,
	}, nil
}
