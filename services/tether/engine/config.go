// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"fmt"
	"time"

	"github.com/AleutianAI/tether/services/tether/conn"
	"github.com/AleutianAI/tether/services/tether/handle"
	"github.com/AleutianAI/tether/services/tether/throttle"
)

// SearchMode selects how a full content search looks for the document.
type SearchMode string

const (
	// SearchWalk reads the query attributes of each node level by level,
	// down to WalkDepth. Works on any host.
	SearchWalk SearchMode = "walk"

	// SearchDescendants asks the host for every matching node below the
	// window in one call. Cheaper on hosts with a native subtree query.
	SearchDescendants SearchMode = "descendants"
)

// Config describes what the engine tracks and how hard it may hit the host.
//
// # Description
//
// The extraction heuristics are configuration: the window is the top-level
// node whose ValidateAttr contains WindowLabel, and the document is the
// first node below it that matches DocumentQuery.
//
// # Example
//
//	cfg := engine.DefaultConfig()
//	cfg.WindowLabel = "PowerScribe"
//	cfg.DocumentQuery = handle.Query{Role: "Document", ClassName: "RichEdit"}
type Config struct {
	// WindowLabel identifies the tracked top-level window. Required.
	WindowLabel string

	// WindowQuery further restricts window candidates. Optional.
	WindowQuery handle.Query

	// DocumentQuery identifies the document node below the window.
	// Default: Role "Document"
	DocumentQuery handle.Query

	// ValidateAttr is read to validate anchors and to label windows.
	// Default: handle.AttrName
	ValidateAttr string

	// ContentAttr is read from the document to produce the payload.
	// Default: handle.AttrValue
	ContentAttr string

	// DiscoveryInterval spaces window discovery attempts. Zero: budget only.
	DiscoveryInterval time.Duration

	// MetadataInterval spaces identity sweeps. Default: 5s
	MetadataInterval time.Duration

	// ContentInterval spaces full document searches. Default: 10s
	ContentInterval time.Duration

	// DiscoveryRetryLimit bounds consecutive discovery failures. Default: 5
	DiscoveryRetryLimit int

	// IdentitySweep enables the metadata sweep while discovery is exhausted.
	IdentitySweep bool

	// SearchMode picks the content search strategy. Default: SearchWalk
	SearchMode SearchMode

	// WalkDepth bounds the SearchWalk descent below the window. Default: 8
	WalkDepth int

	// Connection holds the reset thresholds and call timeout.
	Connection conn.Config
}

// DefaultConfig returns the defaults. WindowLabel must still be set.
func DefaultConfig() Config {
	return Config{
		DocumentQuery:       handle.Query{Role: "Document"},
		ValidateAttr:        handle.AttrName,
		ContentAttr:         handle.AttrValue,
		DiscoveryInterval:   throttle.DefaultDiscoveryInterval,
		MetadataInterval:    throttle.DefaultMetadataInterval,
		ContentInterval:     throttle.DefaultContentInterval,
		DiscoveryRetryLimit: throttle.DefaultRetryLimit,
		IdentitySweep:       true,
		SearchMode:          SearchWalk,
		WalkDepth:           conn.DefaultWalkDepth,
		Connection:          conn.DefaultConfig(),
	}
}

// withDefaults fills zero fields and validates.
func (c Config) withDefaults() (Config, error) {
	if c.WindowLabel == "" {
		return c, fmt.Errorf("%w: window label is required", ErrInvalidConfig)
	}
	d := DefaultConfig()
	if c.DocumentQuery.IsZero() {
		c.DocumentQuery = d.DocumentQuery
	}
	if c.ValidateAttr == "" {
		c.ValidateAttr = d.ValidateAttr
	}
	if c.ContentAttr == "" {
		c.ContentAttr = d.ContentAttr
	}
	if c.DiscoveryInterval < 0 {
		return c, fmt.Errorf("%w: negative discovery interval", ErrInvalidConfig)
	}
	if c.MetadataInterval <= 0 {
		c.MetadataInterval = d.MetadataInterval
	}
	if c.ContentInterval <= 0 {
		c.ContentInterval = d.ContentInterval
	}
	if c.DiscoveryRetryLimit <= 0 {
		c.DiscoveryRetryLimit = d.DiscoveryRetryLimit
	}
	switch c.SearchMode {
	case "":
		c.SearchMode = d.SearchMode
	case SearchWalk, SearchDescendants:
	default:
		return c, fmt.Errorf("%w: unknown search mode %q", ErrInvalidConfig, c.SearchMode)
	}
	if c.WalkDepth <= 0 {
		c.WalkDepth = d.WalkDepth
	}
	return c, nil
}
