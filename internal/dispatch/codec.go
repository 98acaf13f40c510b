// Package dispatch implements the Dispatch Codec: a pure transformation
// from raw platform events into the script-facing event schema
// (spec.md §4.1), grounded verbatim in original_source's
// cmd/scheduler/src/dispatch_conv.rs mapping table.
package dispatch

import (
	"github.com/botloader/scheduler/internal/coretypes"
)

// ToDispatchEvent converts a raw platform event into the script-facing
// DispatchEvent, or returns (zero, false) when the event is not routable:
// either it has no guild_id on a guild-only kind, or it is one of the
// scheduler-lifecycle-only kinds (GuildCreate, GuildDelete,
// MessageDeleteBulk) that this codec never dispatches to scripts.
func ToDispatchEvent(raw coretypes.RawEvent) (coretypes.DispatchEvent, bool) {
	switch raw.Kind {
	case coretypes.EventGuildCreate, coretypes.EventGuildDelete, coretypes.EventMessageDeleteBulk:
		// Drives scheduler lifecycle decisions instead of being dispatched.
		return coretypes.DispatchEvent{}, false

	case coretypes.EventInteractionCreate:
		name, ok := interactionName(raw.InteractionVariant)
		if !ok {
			return coretypes.DispatchEvent{}, false
		}
		return namedFromGuild(raw, name)

	default:
		name, ok := eventName(raw.Kind)
		if !ok {
			return coretypes.DispatchEvent{}, false
		}
		return namedFromGuild(raw, name)
	}
}

func interactionName(v coretypes.InteractionVariant) (string, bool) {
	switch v {
	case coretypes.InteractionCommand:
		return coretypes.NameCommandInteraction, true
	case coretypes.InteractionComponent:
		return coretypes.NameComponentInteraction, true
	case coretypes.InteractionModalSubmit:
		return coretypes.NameModalSubmitInteraction, true
	default:
		return "", false
	}
}

// eventName is the fixed string -> wire-name table from spec.md §4.1 and
// §6, reproduced from original_source/cmd/scheduler/src/dispatch_conv.rs's
// match arms (one DispatchEvent per raw event kind, fixed name per kind).
func eventName(kind coretypes.EventKind) (string, bool) {
	switch kind {
	case coretypes.EventMessageCreate:
		return coretypes.NameMessageCreate, true
	case coretypes.EventMessageUpdate:
		return coretypes.NameMessageUpdate, true
	case coretypes.EventMessageDelete:
		return coretypes.NameMessageDelete, true
	case coretypes.EventMemberAdd:
		return coretypes.NameMemberAdd, true
	case coretypes.EventMemberUpdate:
		return coretypes.NameMemberUpdate, true
	case coretypes.EventMemberRemove:
		return coretypes.NameMemberRemove, true
	case coretypes.EventReactionAdd:
		return coretypes.NameMessageReactionAdd, true
	case coretypes.EventReactionRemove:
		return coretypes.NameMessageReactionRemove, true
	case coretypes.EventReactionRemoveAll:
		return coretypes.NameMessageReactionRemoveAll, true
	case coretypes.EventReactionRemoveEmoji:
		return coretypes.NameMessageReactionRemoveAllEmj, true
	case coretypes.EventChannelCreate:
		return coretypes.NameChannelCreate, true
	case coretypes.EventChannelUpdate:
		return coretypes.NameChannelUpdate, true
	case coretypes.EventChannelDelete:
		return coretypes.NameChannelDelete, true
	case coretypes.EventThreadCreate:
		return coretypes.NameThreadCreate, true
	case coretypes.EventThreadUpdate:
		return coretypes.NameThreadUpdate, true
	case coretypes.EventThreadDelete:
		return coretypes.NameThreadDelete, true
	case coretypes.EventThreadListSync:
		return coretypes.NameThreadListSync, true
	case coretypes.EventThreadMemberUpdate:
		return coretypes.NameThreadMemberUpdate, true
	case coretypes.EventThreadMembersUpdate:
		return coretypes.NameThreadMembersUpdate, true
	case coretypes.EventInviteCreate:
		return coretypes.NameInviteCreate, true
	case coretypes.EventInviteDelete:
		return coretypes.NameInviteDelete, true
	case coretypes.EventVoiceStateUpdate:
		return coretypes.NameVoiceStateUpdate, true
	default:
		return "", false
	}
}

// namedFromGuild builds a DispatchEvent for a per-tenant kind, discarding
// events with no routable guild_id (spec.md §4.1: "if missing on a
// guild-only kind, the codec returns None").
func namedFromGuild(raw coretypes.RawEvent, name string) (coretypes.DispatchEvent, bool) {
	if raw.GuildID == nil {
		return coretypes.DispatchEvent{}, false
	}
	return coretypes.DispatchEvent{
		GuildID: *raw.GuildID,
		Name:    name,
		Payload: raw.Payload,
	}, true
}
