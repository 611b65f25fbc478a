// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conn

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/tether/services/tether/handle"
)

// DefaultWalkDepth bounds Walk when no depth is given.
const DefaultWalkDepth = 8

// MatchFunc decides whether a node is the one being searched for. It may read
// attributes through the Connection but must not retain h.
type MatchFunc func(ctx context.Context, h *handle.Handle) (bool, error)

// Walk searches below root depth first for the first node match accepts.
//
// # Description
//
// Each level acquires its children inside its own guard and releases them
// before returning, so at most depth x fanout handles are outstanding at the
// deepest point and nothing is collected for release at the end. The match
// is claimed out of its guard and handed to the caller, who owns it. root is
// never released.
//
// A match error on one child skips that child, unless it is a channel-level
// failure, which aborts the walk.
//
// # Inputs
//
//   - ctx: Cancellation between levels.
//   - c: Connection used for every acquisition.
//   - root: Starting node, owned by the caller.
//   - maxDepth: Levels below root to visit. Non-positive uses DefaultWalkDepth.
//   - match: Predicate.
//
// # Outputs
//
//   - *handle.Handle: The match. Caller must release.
//   - error: ErrNotFound, handle.ErrHostUnavailable, ctx.Err(), or a
//     Children failure of root itself.
func Walk(ctx context.Context, c *Connection, root *handle.Handle, maxDepth int, match MatchFunc) (*handle.Handle, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultWalkDepth
	}
	found, err := walkLevel(ctx, c, root, 1, maxDepth, match)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func walkLevel(ctx context.Context, c *Connection, node *handle.Handle, depth, maxDepth int, match MatchFunc) (*handle.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	acquire := func(ctx context.Context) ([]*handle.Handle, error) {
		return c.Children(ctx, node)
	}
	return handle.WithAll(ctx, acquire, func(kids []*handle.Handle) (*handle.Handle, error) {
		for _, kid := range kids {
			ok, err := match(ctx, kid)
			if err != nil {
				if fatal(err) {
					return nil, fmt.Errorf("walk depth %d: %w", depth, err)
				}
				continue
			}
			if ok {
				return kid.Claim(), nil
			}
		}

		if depth >= maxDepth {
			return nil, nil
		}
		for _, kid := range kids {
			found, err := walkLevel(ctx, c, kid, depth+1, maxDepth, match)
			if err != nil {
				if fatal(err) {
					return nil, err
				}
				// A subtree that vanished mid-walk is skipped.
				continue
			}
			if found != nil {
				return found, nil
			}
		}
		return nil, nil
	})
}

// fatal reports errors that abort a walk.
func fatal(err error) bool {
	return errors.Is(err, handle.ErrHostUnavailable) ||
		errors.Is(err, ErrStaleHandle) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
