package model

import (
	"fmt"
	"net/url"
)

// SnapshotState is the lifecycle of a single visual capture request.
type SnapshotState string

const (
	SnapshotPending      SnapshotState = "pending"
	SnapshotDiscovering  SnapshotState = "discovering"
	SnapshotUploading    SnapshotState = "uploading"
	SnapshotComplete     SnapshotState = "complete"
	SnapshotFailed       SnapshotState = "failed"
)

const (
	DefaultMinHeight = 1024
	MaxMinHeight     = 2000
	MaxWidth         = 2000
)

// Snapshot is one visual capture request as received from an SDK client.
type Snapshot struct {
	Name             string            `json:"name"`
	URL              string            `json:"url"`
	Widths           []int             `json:"widths"`
	MinHeight        int               `json:"minHeight"`
	RequestHeaders   map[string]string `json:"requestHeaders"`
	ClientInfo       string            `json:"clientInfo"`
	EnvironmentInfo  string            `json:"environmentInfo"`
	DOMSnapshot      string            `json:"domSnapshot"`
	EnableJavaScript *bool             `json:"enableJavaScript"`
	Concurrent       *bool             `json:"concurrent"`

	State SnapshotState `json:"-"`
}

// Validate applies the Snapshot invariants from the data model: a non-empty
// name, an absolute http(s) URL, a non-empty ordered set of distinct
// positive widths, and a minHeight within range. Name uniqueness within a
// build is not checked. It also fills in defaults (widths, minHeight,
// enableJavaScript); PercyCore.Snapshot calls it before enqueueing.
func (s *Snapshot) Validate(defaultWidths []int) error {
	if s.Name == "" {
		return fmt.Errorf("snapshot: name is required")
	}
	u, err := url.Parse(s.URL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("snapshot: url must be an absolute http(s) url, got %q", s.URL)
	}

	if len(s.Widths) == 0 {
		s.Widths = append([]int{}, defaultWidths...)
	}
	seen := make(map[int]bool, len(s.Widths))
	for _, w := range s.Widths {
		if w <= 0 || w > MaxWidth {
			return fmt.Errorf("snapshot: width %d out of range (1-%d)", w, MaxWidth)
		}
		if seen[w] {
			return fmt.Errorf("snapshot: duplicate width %d", w)
		}
		seen[w] = true
	}

	if s.MinHeight == 0 {
		s.MinHeight = DefaultMinHeight
	}
	if s.MinHeight <= 0 || s.MinHeight > MaxMinHeight {
		return fmt.Errorf("snapshot: minHeight %d out of range (1-%d)", s.MinHeight, MaxMinHeight)
	}

	if s.EnableJavaScript == nil {
		enable := s.DOMSnapshot == ""
		s.EnableJavaScript = &enable
	}

	return nil
}

// IsConcurrent reports whether the SDK asked to be answered before
// discovery completes (the default) or to block until it finishes.
func (s *Snapshot) IsConcurrent() bool {
	return s.Concurrent == nil || *s.Concurrent
}
