package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/botloader/scheduler/internal/coretypes"
)

func gid(v coretypes.GuildID) *coretypes.GuildID { return &v }

func TestToDispatchEventRoutesPerTenantKinds(t *testing.T) {
	cases := []struct {
		kind coretypes.EventKind
		name string
	}{
		{coretypes.EventMessageCreate, coretypes.NameMessageCreate},
		{coretypes.EventMessageUpdate, coretypes.NameMessageUpdate},
		{coretypes.EventMessageDelete, coretypes.NameMessageDelete},
		{coretypes.EventMemberAdd, coretypes.NameMemberAdd},
		{coretypes.EventMemberUpdate, coretypes.NameMemberUpdate},
		{coretypes.EventMemberRemove, coretypes.NameMemberRemove},
		{coretypes.EventReactionAdd, coretypes.NameMessageReactionAdd},
		{coretypes.EventReactionRemove, coretypes.NameMessageReactionRemove},
		{coretypes.EventReactionRemoveAll, coretypes.NameMessageReactionRemoveAll},
		{coretypes.EventReactionRemoveEmoji, coretypes.NameMessageReactionRemoveAllEmj},
		{coretypes.EventChannelCreate, coretypes.NameChannelCreate},
		{coretypes.EventChannelUpdate, coretypes.NameChannelUpdate},
		{coretypes.EventChannelDelete, coretypes.NameChannelDelete},
		{coretypes.EventThreadCreate, coretypes.NameThreadCreate},
		{coretypes.EventThreadUpdate, coretypes.NameThreadUpdate},
		{coretypes.EventThreadDelete, coretypes.NameThreadDelete},
		{coretypes.EventThreadListSync, coretypes.NameThreadListSync},
		{coretypes.EventThreadMemberUpdate, coretypes.NameThreadMemberUpdate},
		{coretypes.EventThreadMembersUpdate, coretypes.NameThreadMembersUpdate},
		{coretypes.EventInviteCreate, coretypes.NameInviteCreate},
		{coretypes.EventInviteDelete, coretypes.NameInviteDelete},
		{coretypes.EventVoiceStateUpdate, coretypes.NameVoiceStateUpdate},
	}

	for _, c := range cases {
		raw := coretypes.RawEvent{GuildID: gid(123), Kind: c.kind, Payload: []byte(`{"x":1}`)}
		evt, ok := ToDispatchEvent(raw)
		require.True(t, ok, c.name)
		require.Equal(t, c.name, evt.Name)
		require.Equal(t, coretypes.GuildID(123), evt.GuildID)
		require.Equal(t, raw.Payload, evt.Payload)
	}
}

func TestToDispatchEventDropsMissingGuildID(t *testing.T) {
	raw := coretypes.RawEvent{GuildID: nil, Kind: coretypes.EventMessageCreate}
	_, ok := ToDispatchEvent(raw)
	require.False(t, ok)
}

func TestToDispatchEventDropsLifecycleOnlyKinds(t *testing.T) {
	for _, kind := range []coretypes.EventKind{
		coretypes.EventGuildCreate,
		coretypes.EventGuildDelete,
		coretypes.EventMessageDeleteBulk,
	} {
		raw := coretypes.RawEvent{GuildID: gid(1), Kind: kind}
		_, ok := ToDispatchEvent(raw)
		require.False(t, ok)
	}
}

func TestToDispatchEventInteractionTriVariant(t *testing.T) {
	cases := []struct {
		v    coretypes.InteractionVariant
		name string
	}{
		{coretypes.InteractionCommand, coretypes.NameCommandInteraction},
		{coretypes.InteractionComponent, coretypes.NameComponentInteraction},
		{coretypes.InteractionModalSubmit, coretypes.NameModalSubmitInteraction},
	}
	for _, c := range cases {
		raw := coretypes.RawEvent{
			GuildID:            gid(1),
			Kind:               coretypes.EventInteractionCreate,
			InteractionVariant: c.v,
		}
		evt, ok := ToDispatchEvent(raw)
		require.True(t, ok)
		require.Equal(t, c.name, evt.Name)
	}
}

// TestRoundTripJSONStable implements spec.md §8's round-trip law: for every
// accepted raw event variant, encode -> decode -> re-encode yields
// byte-equal JSON for the data field. Since the codec passes Payload
// through untouched, this holds trivially but guards against accidental
// payload mutation.
func TestRoundTripJSONStable(t *testing.T) {
	payload := []byte(`{"channel_id":"1","content":"hi"}`)
	raw := coretypes.RawEvent{GuildID: gid(9), Kind: coretypes.EventMessageCreate, Payload: payload}

	evt, ok := ToDispatchEvent(raw)
	require.True(t, ok)
	require.JSONEq(t, string(payload), string(evt.Payload))
}
