// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handle

import (
	"context"
	"errors"
	"strings"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNoHandle is returned by a guard when acquisition produced no handle.
	ErrNoHandle = errors.New("no handle acquired")

	// ErrHostUnavailable marks a channel-level failure. Hosts wrap their
	// transport errors with it so callers can tell a dead channel from a dead node.
	ErrHostUnavailable = errors.New("host unavailable")

	// ErrNodeGone is returned when the node behind a reference no longer exists.
	ErrNodeGone = errors.New("node no longer exists")

	// ErrReleased is returned when a released handle is dereferenced.
	ErrReleased = errors.New("handle already released")
)

// -----------------------------------------------------------------------------
// Host Interface
// -----------------------------------------------------------------------------

// Ref is a host-side node reference. Only the host that produced it may
// interpret it.
type Ref any

// Attribute names understood by every host.
const (
	// AttrName is the node's label: window title, accessible name.
	AttrName = "Name"

	// AttrValue is the node's text content.
	AttrValue = "Value"

	// AttrClassName is the node's class name.
	AttrClassName = "ClassName"

	// AttrRole is the node's control type or ARIA role.
	AttrRole = "Role"
)

// Query selects descendants in a subtree search. Empty fields match anything.
type Query struct {
	// Role matches the node's control type or role exactly.
	Role string `yaml:"role" json:"role,omitempty"`

	// ClassName matches the node's class name exactly.
	ClassName string `yaml:"class_name" json:"class_name,omitempty"`

	// NameContains matches when the node's name contains this substring.
	NameContains string `yaml:"name_contains" json:"name_contains,omitempty"`
}

// IsZero reports whether the query matches every node.
func (q Query) IsZero() bool {
	return q.Role == "" && q.ClassName == "" && q.NameContains == ""
}

// Matches evaluates the query against a node's attributes.
//
// # Inputs
//
//   - attrs: Function returning one attribute of the candidate node.
//
// # Outputs
//
//   - bool: True when every non-empty field of the query matches.
//   - error: The first attribute read error.
func (q Query) Matches(attrs func(name string) (string, error)) (bool, error) {
	checks := []struct {
		attr string
		want string
		sub  bool
	}{
		{AttrRole, q.Role, false},
		{AttrClassName, q.ClassName, false},
		{AttrName, q.NameContains, true},
	}
	for _, c := range checks {
		if c.want == "" {
			continue
		}
		got, err := attrs(c.attr)
		if err != nil {
			return false, err
		}
		if c.sub && !strings.Contains(got, c.want) {
			return false, nil
		}
		if !c.sub && got != c.want {
			return false, nil
		}
	}
	return true, nil
}

// Host is the remote tree collaborator.
//
// # Description
//
// Host is implemented by adapters for concrete tree APIs (an in-memory
// simulation, a browser over the DevTools protocol). Every reference returned
// by Root, Children or Descendants is owned by the caller and must be passed to
// Release exactly once.
//
// # Thread Safety
//
// Callers use a Host from one goroutine at a time. Release may be invoked from
// a different goroutine than the one that acquired the reference.
type Host interface {
	// Root acquires the root of the tree.
	Root(ctx context.Context) (Ref, error)

	// Children acquires the direct children of ref.
	Children(ctx context.Context, ref Ref) ([]Ref, error)

	// Descendants acquires every descendant of ref that matches q.
	Descendants(ctx context.Context, ref Ref, q Query) ([]Ref, error)

	// Attribute reads one property of ref. One round trip.
	Attribute(ctx context.Context, ref Ref, name string) (string, error)

	// Release gives ref back to the host. Releasing a dead ref may error.
	Release(ref Ref) error

	// Close destroys the channel. References from this channel are dead afterwards.
	Close() error
}

// Finalizer is implemented by hosts whose handle layer defers cleanup and must
// be told to flush it before the channel is destroyed.
type Finalizer interface {
	Finalize(ctx context.Context) error
}
