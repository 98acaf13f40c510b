package gateway

import (
	"context"

	"github.com/botloader/scheduler/internal/apierr"
)

// InviteClient's LookupGuild resolves an invite code to the guild it belongs to, and
// DeleteInvite performs the actual deletion once ownership is verified.
type InviteClient struct {
	LookupGuild  func(ctx context.Context, code string) (guildID uint64, ok bool, err error)
	DeleteInvite func(ctx context.Context, code string) error
}

// DeleteInvite mirrors original_source's op_discord_delete_invite: the
// invite is looked up first and its owning guild compared against the
// calling tenant before the delete is issued, so a script cannot delete an
// invite belonging to a guild it has no business touching (scenario S2).
func (g *Gateway) DeleteInvite(ctx context.Context, client InviteClient, tenantGuildID uint64, code string) error {
	owningGuild, ok, err := client.LookupGuild(ctx, code)
	if err != nil {
		return err
	}
	if !ok || owningGuild != tenantGuildID {
		return apierr.ErrInviteWrongGuild
	}
	return client.DeleteInvite(ctx, code)
}
