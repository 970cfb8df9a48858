// Package oid encodes and decodes hierarchical object identifiers.
//
// An OID addresses a document root or any nested object inside it:
//
//	collection/documentId[.keyPath...]:subId
//
// The root OID of a document is just "collection/documentId". Nested OIDs
// share that root as a prefix, so every node of a document can be found by
// an ordered range scan over [root, root+":\uffff"].
package oid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	collectionSep = "/"
	keyPathSep    = "."
	subIDSep      = ":"

	// ListItemKey is the key path segment used for objects living inside lists.
	ListItemKey = "#"
)

var escaper = strings.NewReplacer(
	"%", "%25",
	collectionSep, "%2F",
	keyPathSep, "%2E",
	subIDSep, "%3A",
)

var unescaper = strings.NewReplacer(
	"%2F", collectionSep,
	"%2E", keyPathSep,
	"%3A", subIDSep,
	"%25", "%",
)

// Parts is a decomposed OID.
type Parts struct {
	Collection string
	ID         string
	KeyPath    []string
	SubID      string
}

// Escape replaces separator characters in a name with placeholder
// sequences so the resulting OID splits unambiguously.
func Escape(s string) string { return escaper.Replace(s) }

// Unescape reverses Escape.
func Unescape(s string) string { return unescaper.Replace(s) }

// Create builds an OID. keyPath and subID are empty for document roots.
func Create(collection, documentID string, keyPath []string, subID string) string {
	var b strings.Builder
	b.WriteString(Escape(collection))
	b.WriteString(collectionSep)
	b.WriteString(Escape(documentID))
	for _, k := range keyPath {
		b.WriteString(keyPathSep)
		b.WriteString(Escape(k))
	}
	if subID != "" {
		b.WriteString(subIDSep)
		b.WriteString(Escape(subID))
	}
	return b.String()
}

// Decompose splits an OID into its parts.
func Decompose(oid string) (Parts, error) {
	col, rest, ok := strings.Cut(oid, collectionSep)
	if !ok || col == "" || rest == "" {
		return Parts{}, fmt.Errorf("invalid oid %q: missing collection separator", oid)
	}
	var p Parts
	p.Collection = Unescape(col)
	if i := strings.LastIndex(rest, subIDSep); i >= 0 {
		p.SubID = Unescape(rest[i+1:])
		rest = rest[:i]
	}
	segments := strings.Split(rest, keyPathSep)
	if segments[0] == "" {
		return Parts{}, fmt.Errorf("invalid oid %q: empty document id", oid)
	}
	p.ID = Unescape(segments[0])
	for _, s := range segments[1:] {
		p.KeyPath = append(p.KeyPath, Unescape(s))
	}
	return p, nil
}

// Root strips the key path and sub-id, returning the document root OID.
func Root(oid string) string {
	col, rest, ok := strings.Cut(oid, collectionSep)
	if !ok {
		return oid
	}
	if i := strings.IndexAny(rest, keyPathSep+subIDSep); i >= 0 {
		rest = rest[:i]
	}
	return col + collectionSep + rest
}

// IsRoot reports whether oid addresses a document root.
func IsRoot(oid string) bool { return Root(oid) == oid }

// Related reports whether a and b belong to the same document.
func Related(a, b string) bool { return Root(a) == Root(b) }

// Collection returns the unescaped collection name of oid.
func Collection(oid string) string {
	col, _, _ := strings.Cut(oid, collectionSep)
	return Unescape(col)
}

// DocumentID returns the unescaped document id of oid.
func DocumentID(oid string) string {
	root := Root(oid)
	_, id, _ := strings.Cut(root, collectionSep)
	return Unescape(id)
}

// Range returns the inclusive bounds of a scan covering the document that
// owns oid and all of its descendants. The bounds are a superset: callers
// scanning ordered keys should drop results for which Related is false,
// since a sibling document whose id extends this one's also sorts inside.
func Range(oid string) (start, end string) {
	root := Root(oid)
	return root, root + subIDSep + "\uffff"
}

// CollectionRange returns the inclusive bounds covering every OID in a
// collection.
func CollectionRange(collection string) (start, end string) {
	prefix := Escape(collection) + collectionSep
	return prefix, prefix + "\uffff"
}

// Child builds the OID of a new object stored under key inside parent.
func Child(parent, key, subID string) string {
	p, err := Decompose(parent)
	if err != nil {
		return parent + keyPathSep + Escape(key) + subIDSep + Escape(subID)
	}
	keyPath := append(append([]string(nil), p.KeyPath...), key)
	return Create(p.Collection, p.ID, keyPath, subID)
}

// NewSubID returns a random sub-id.
func NewSubID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewDocumentID returns a random document id.
func NewDocumentID() string { return uuid.NewString() }
