package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MaxResourceBytes is the hard cap on a single captured resource's body
// size; anything larger is dropped and logged at debug level.
const MaxResourceBytes = 15 * 1024 * 1024

// allowedMimePrefixes and allowedMimeExact together define the accepted
// mimetype set for non-root resources.
var allowedMimePrefixes = []string{"text/", "image/", "font/"}
var allowedMimeExact = map[string]bool{
	"application/javascript": true,
	"application/json":       true,
	"application/octet-stream": true,
}

// MimetypeAllowed reports whether mt is captured for a non-root resource.
// Root resources (the serialized DOM) are always kept regardless.
func MimetypeAllowed(mt string) bool {
	mt = strings.ToLower(strings.TrimSpace(mt))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	if allowedMimeExact[mt] {
		return true
	}
	for _, p := range allowedMimePrefixes {
		if strings.HasPrefix(mt, p) {
			return true
		}
	}
	return false
}

// Resource is a single captured artifact belonging to a snapshot.
type Resource struct {
	URL       string
	Content   []byte
	Mimetype  string
	Sha       string
	Root      bool
	ForWidths map[int]bool
}

// NewResource hashes content and builds a Resource. forWidth is folded into
// ForWidths immediately so callers never construct a Resource with an empty
// width set.
func NewResource(url string, content []byte, mimetype string, root bool, forWidth int) *Resource {
	sum := sha256.Sum256(content)
	return &Resource{
		URL:       url,
		Content:   content,
		Mimetype:  mimetype,
		Sha:       hex.EncodeToString(sum[:]),
		Root:      root,
		ForWidths: map[int]bool{forWidth: true},
	}
}

// Sizeable reports whether the content fits within MaxResourceBytes.
func (r *Resource) Sizeable() bool {
	return len(r.Content) <= MaxResourceBytes
}

// Accepted reports whether the resource passes the mimetype filter; roots
// are always accepted.
func (r *Resource) Accepted() bool {
	return r.Root || MimetypeAllowed(r.Mimetype)
}
