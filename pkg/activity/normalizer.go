package activity

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrValidation is returned for documents that cannot be delivered as given.
var ErrValidation = errors.New("invalid activity")

// Document is an untyped ActivityStreams document.
type Document map[string]any

// ParseDocument decodes a JSON object.
func ParseDocument(raw []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document is null", ErrValidation)
	}
	return doc, nil
}

// Type returns the document's type, or "" when it is absent or not a string.
func (d Document) Type() string {
	typ, _ := d["type"].(string)
	return typ
}

// ID returns the document's id, if any.
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// Actor returns the id of the document's actor, which may be embedded.
func (d Document) Actor() string {
	return idOf(d["actor"])
}

// Object returns the id of the document's object, which may be embedded.
func (d Document) Object() string {
	return idOf(d["object"])
}

// Normalized is an activity ready for delivery.
type Normalized struct {
	Activity  Document
	Receivers []string
	IsPublic  bool
}

// receiverFields contribute to the delivery set. audience does not.
var receiverFields = []string{"to", "bto", "cc", "bcc"}

var blindFields = []string{"bto", "bcc"}

// Normalize validates doc and prepares it for delivery. Bare objects are
// wrapped in a Create. The receivers are collected before bto and bcc are
// removed, so blind recipients are delivered to but never disclosed.
// doc is not modified.
func Normalize(doc Document) (*Normalized, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: empty document", ErrValidation)
	}

	typ, ok := doc["type"].(string)
	if !ok || typ == "" {
		return nil, fmt.Errorf("%w: missing type", ErrValidation)
	}

	var activity Document
	switch KindOf(typ) {
	case KindActivity:
		activity = clone(doc)
	case KindObject:
		activity = wrap(doc)
	case KindActor:
		return nil, fmt.Errorf("%w: %s is an actor type and cannot be delivered", ErrValidation, typ)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrValidation, typ)
	}

	receivers, public, err := collectReceivers(activity)
	if err != nil {
		return nil, err
	}

	strip(activity)
	if object, ok := activity["object"].(map[string]any); ok {
		strip(object)
	}

	return &Normalized{Activity: activity, Receivers: receivers, IsPublic: public}, nil
}

// wrap builds the implicit Create for a bare object.
func wrap(doc Document) Document {
	object := clone(doc)
	delete(object, "@context")

	envelope := Document{
		"@context": Namespace,
		"type":     "Create",
		"object":   map[string]any(object),
	}
	if to, ok := object["to"]; ok {
		envelope["to"] = cloneValue(to)
	}
	for _, field := range []string{"cc", "audience", "bto", "bcc"} {
		if v, ok := object[field]; ok {
			envelope[field] = cloneValue(v)
		}
	}
	if actor := idOf(object["attributedTo"]); actor != "" {
		envelope["actor"] = actor
	}
	return envelope
}

func collectReceivers(doc Document) ([]string, bool, error) {
	var (
		receivers []string
		public    bool
		seen      = make(map[string]struct{})
	)

	for _, field := range receiverFields {
		addrs, err := addresses(doc[field])
		if err != nil {
			return nil, false, fmt.Errorf("%w: %s: %v", ErrValidation, field, err)
		}
		for _, addr := range addrs {
			if IsPublic(addr) {
				public = true
				addr = PublicCollection
			}
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			receivers = append(receivers, addr)
		}
	}

	return receivers, public, nil
}

// addresses coerces an addressing value to a list of URIs.
func addresses(v any) ([]string, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case string:
		if value == "" {
			return nil, errors.New("empty address")
		}
		return []string{value}, nil
	case map[string]any:
		id := idOf(value)
		if id == "" {
			return nil, errors.New("address object without id")
		}
		return []string{id}, nil
	case []any:
		var out []string
		for _, item := range value {
			addrs, err := addresses(item)
			if err != nil {
				return nil, err
			}
			out = append(out, addrs...)
		}
		return out, nil
	case []string:
		items := make([]any, len(value))
		for i, s := range value {
			items[i] = s
		}
		return addresses(items)
	default:
		return nil, fmt.Errorf("unsupported address value %T", v)
	}
}

// idOf returns a string value or the id of an embedded object.
func idOf(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case map[string]any:
		id, _ := value["id"].(string)
		return id
	}
	return ""
}

func strip(m map[string]any) {
	for _, field := range blindFields {
		delete(m, field)
	}
}

func clone(doc Document) Document {
	return Document(cloneValue(map[string]any(doc)).(map[string]any))
}

// cloneValue deep copies the JSON value shapes produced by encoding/json.
func cloneValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = cloneValue(item)
		}
		return out
	case Document:
		return cloneValue(map[string]any(value))
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), value...)
	default:
		return value
	}
}
