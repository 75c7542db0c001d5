// Package utils holds the hostname normalization helper shared by
// discovery's routing rules: lowercasing and IDN folding via
// golang.org/x/net/idna, so unicode and ASCII forms of the same hostname
// compare equal.
package utils

import (
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeHostname lowercases a hostname, strips a trailing root-zone dot,
// and folds it to punycode. Used by discovery's routing rules
// (allowedHostnames/disallowedHostnames glob matching) to normalize both
// the request hostname and the configured patterns before comparison.
func NormalizeHostname(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return host
}
