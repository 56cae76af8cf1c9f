// Package activity validates and reshapes ActivityStreams documents before
// delivery: type checks against the vocabulary, implicit Create wrapping,
// receiver computation and blind-copy stripping.
package activity

// Namespace is the ActivityStreams JSON-LD context.
const Namespace = "https://www.w3.org/ns/activitystreams"

// PublicCollection addresses an activity to everyone. It is never delivered to.
const PublicCollection = Namespace + "#Public"

// Kind classifies a document type.
type Kind int

const (
	KindUnknown Kind = iota
	KindActivity
	KindObject
	KindActor
)

func (k Kind) String() string {
	switch k {
	case KindActivity:
		return "activity"
	case KindObject:
		return "object"
	case KindActor:
		return "actor"
	default:
		return "unknown"
	}
}

var objectTypes = set(
	"Article",
	"Audio",
	"Document",
	"Event",
	"Image",
	"Note",
	"Page",
	"Place",
	"Profile",
	"Relationship",
	"Tombstone",
	"Video",
)

var activityTypes = set(
	"Accept",
	"Add",
	"Announce",
	"Arrive",
	"Block",
	"Create",
	"Delete",
	"Dislike",
	"Flag",
	"Follow",
	"Ignore",
	"Invite",
	"Join",
	"Leave",
	"Like",
	"Listen",
	"Move",
	"Offer",
	"Question",
	"Reject",
	"Read",
	"Remove",
	"TentativeReject",
	"TentativeAccept",
	"Travel",
	"Undo",
	"Update",
	"View",
)

var actorTypes = set(
	"Application",
	"Group",
	"Organization",
	"Person",
	"Service",
)

func set(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// KindOf looks a type name up in the vocabulary.
func KindOf(typ string) Kind {
	if _, ok := activityTypes[typ]; ok {
		return KindActivity
	}
	if _, ok := objectTypes[typ]; ok {
		return KindObject
	}
	if _, ok := actorTypes[typ]; ok {
		return KindActor
	}
	return KindUnknown
}

// IsPublic reports whether addr is one of the accepted spellings of the
// public collection.
func IsPublic(addr string) bool {
	switch addr {
	case PublicCollection, "as:Public", "Public":
		return true
	}
	return false
}
