package gateway

// Permission calculation ported from original_source's
// op_discord_get_member_permissions (components/runtime/src/extensions/
// discord.rs): base permissions from the @everyone role plus every role
// the member holds, short-circuited to "everything" for the guild owner
// or when the Administrator bit is set, then narrowed by a channel's
// overwrites — with threads resolving to their parent channel's
// overwrites first, since Discord never stores overwrites on a thread
// itself.

const (
	PermAdministrator uint64 = 1 << 3
)

// ChannelKind mirrors the subset of Discord channel types relevant to
// permission resolution: ordinary channels carry their own overwrites,
// threads borrow their parent's.
type ChannelKind int

const (
	ChannelKindText ChannelKind = iota
	ChannelKindVoice
	ChannelKindPublicThread
	ChannelKindPrivateThread
	ChannelKindAnnouncementThread
)

func (k ChannelKind) isThread() bool {
	return k == ChannelKindPublicThread || k == ChannelKindPrivateThread || k == ChannelKindAnnouncementThread
}

type OverwriteType int

const (
	OverwriteRole OverwriteType = iota
	OverwriteMember
)

type Overwrite struct {
	ID    uint64
	Type  OverwriteType
	Allow uint64
	Deny  uint64
}

type Role struct {
	ID          uint64
	Permissions uint64
}

type Channel struct {
	ID                   uint64
	Kind                 ChannelKind
	ParentID             *uint64
	PermissionOverwrites []Overwrite
}

type Guild struct {
	ID      uint64
	OwnerID uint64
}

// ChannelLookup resolves a channel by ID, used to hop from a thread to its
// parent. Implemented by the state cache in production.
type ChannelLookup func(id uint64) (Channel, bool)

// CalcMemberPermissions computes a member's base (guild-wide) permissions
// and, if channelID is non-nil, their permissions within that channel.
// everyoneRole is the guild's @everyone role (id == guild id); memberRoles
// is the set of non-@everyone roles the member holds.
func CalcMemberPermissions(guild Guild, userID uint64, everyoneRole Role, memberRoles []Role, channelID *uint64, lookup ChannelLookup) (guildPerms uint64, channelPerms *uint64, err error) {
	guildPerms = everyoneRole.Permissions
	for _, r := range memberRoles {
		guildPerms |= r.Permissions
	}

	if userID == guild.OwnerID || guildPerms&PermAdministrator != 0 {
		guildPerms = ^uint64(0)
	}

	if channelID == nil {
		return guildPerms, nil, nil
	}

	channel, ok := lookup(*channelID)
	if !ok {
		return guildPerms, nil, errNotFoundChannel(*channelID)
	}

	if channel.Kind.isThread() {
		if channel.ParentID == nil {
			return guildPerms, nil, errThreadNoParent(channel.ID)
		}
		parent, ok := lookup(*channel.ParentID)
		if !ok {
			return guildPerms, nil, errNotFoundChannel(*channel.ParentID)
		}
		channel = parent
	}

	roleIDs := make(map[uint64]bool, len(memberRoles)+1)
	roleIDs[everyoneRole.ID] = true
	for _, r := range memberRoles {
		roleIDs[r.ID] = true
	}

	cp := applyOverwrites(guildPerms, everyoneRole.ID, userID, roleIDs, channel.PermissionOverwrites)
	return guildPerms, &cp, nil
}

// applyOverwrites applies Discord's fixed overwrite precedence: @everyone
// overwrite, then the union of role overwrites, then the member-specific
// overwrite — each step applies its Deny before its Allow.
func applyOverwrites(base uint64, everyoneRoleID, userID uint64, roleIDs map[uint64]bool, overwrites []Overwrite) uint64 {
	if base&PermAdministrator != 0 {
		return base
	}

	perms := base
	for _, ow := range overwrites {
		if ow.Type == OverwriteRole && ow.ID == everyoneRoleID {
			perms &^= ow.Deny
			perms |= ow.Allow
		}
	}

	var allow, deny uint64
	for _, ow := range overwrites {
		if ow.Type == OverwriteRole && ow.ID != everyoneRoleID && roleIDs[ow.ID] {
			allow |= ow.Allow
			deny |= ow.Deny
		}
	}
	perms &^= deny
	perms |= allow

	for _, ow := range overwrites {
		if ow.Type == OverwriteMember && ow.ID == userID {
			perms &^= ow.Deny
			perms |= ow.Allow
		}
	}
	return perms
}
