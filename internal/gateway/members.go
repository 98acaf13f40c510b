package gateway

import (
	"context"
	"fmt"

	"github.com/botloader/scheduler/internal/apierr"
)

// maxMemberBatch mirrors original_source's op_discord_get_members cap.
const maxMemberBatch = 100

// Member is the subset of a guild member record this package needs.
type Member struct {
	UserID uint64
	Roles  []uint64
}

// MemberFetcher abstracts the two ways a batch of members can be sourced:
// a single gateway request-guild-members round trip, or one HTTP call per
// ID. Production wires GatewayBatch to the broker's member-request RPC and
// HTTPOne to a single-member REST endpoint.
type MemberFetcher struct {
	GatewayBatch func(ctx context.Context, userIDs []uint64) ([]Member, error)
	HTTPOne      func(ctx context.Context, userID uint64) (Member, error)
}

// GetMembers resolves a batch of user IDs to members, following
// original_source's split into four cases:
//   - 0 ids: returns an empty slice without making any call.
//   - >100 ids: rejected as InvalidArgument before any call is made.
//   - >2 ids: one gateway batch request for all of them. The state cache
//     is not consulted first, so ids that are already cached count toward
//     the threshold too.
//   - otherwise: one HTTP call per id, a 404 on any one of them resolving
//     to a nil entry rather than failing the whole batch.
//
// The result slice is positional: result[i] corresponds to userIDs[i],
// and is nil where the member doesn't exist.
func (g *Gateway) GetMembers(ctx context.Context, f MemberFetcher, userIDs []uint64) ([]*Member, error) {
	if len(userIDs) > maxMemberBatch {
		return nil, apierr.New(apierr.InvalidArgument, 0, 0, fmt.Sprintf("too many user ids provided, max %d", maxMemberBatch))
	}
	if len(userIDs) == 0 {
		return []*Member{}, nil
	}

	if len(userIDs) > 2 {
		fetched, err := f.GatewayBatch(ctx, userIDs)
		if err != nil {
			return nil, err
		}
		byID := make(map[uint64]Member, len(fetched))
		for _, m := range fetched {
			byID[m.UserID] = m
		}
		out := make([]*Member, len(userIDs))
		for i, id := range userIDs {
			if m, ok := byID[id]; ok {
				mc := m
				out[i] = &mc
			}
		}
		return out, nil
	}

	out := make([]*Member, len(userIDs))
	for i, id := range userIDs {
		m, err := f.HTTPOne(ctx, id)
		if err != nil {
			if apierr.KindOf(err) == apierr.NotFound {
				out[i] = nil
				continue
			}
			return nil, err
		}
		mc := m
		out[i] = &mc
	}
	return out, nil
}
