package coretypes

import "time"

// EventKind is the closed set of raw platform event kinds the broker can
// deliver (spec.md §6).
type EventKind int

const (
	EventMessageCreate EventKind = iota
	EventMessageUpdate
	EventMessageDelete
	EventMemberAdd
	EventMemberUpdate
	EventMemberRemove
	EventReactionAdd
	EventReactionRemove
	EventReactionRemoveAll
	EventReactionRemoveEmoji
	EventChannelCreate
	EventChannelUpdate
	EventChannelDelete
	EventThreadCreate
	EventThreadUpdate
	EventThreadDelete
	EventThreadListSync
	EventThreadMemberUpdate
	EventThreadMembersUpdate
	EventInteractionCreate
	EventInviteCreate
	EventInviteDelete
	EventVoiceStateUpdate
	EventGuildCreate
	EventGuildDelete
	EventMessageDeleteBulk
)

// InteractionVariant distinguishes the three interaction payload shapes
// (spec.md §4.1).
type InteractionVariant int

const (
	InteractionCommand InteractionVariant = iota
	InteractionComponent
	InteractionModalSubmit
)

// RawEvent is what the Broker→Scheduler RPC delivers: a platform event
// optionally scoped to a guild (spec.md §6). GuildID is nil for events with
// no routable tenant.
type RawEvent struct {
	GuildID            *GuildID
	Kind               EventKind
	InteractionVariant InteractionVariant // only meaningful when Kind == EventInteractionCreate
	Payload            []byte             // canonical internal-model JSON for this kind
}

// DispatchEvent is the script-facing event produced by the Dispatch Codec
// (spec.md §4.1): a stable wire Name plus a JSON Payload.
type DispatchEvent struct {
	GuildID GuildID
	Name    string
	Payload []byte
}

// Stable wire identifiers, verbatim from spec.md §6.
const (
	NameMessageCreate               = "MESSAGE_CREATE"
	NameMessageUpdate               = "MESSAGE_UPDATE"
	NameMessageDelete               = "MESSAGE_DELETE"
	NameMemberAdd                   = "MEMBER_ADD"
	NameMemberUpdate                = "MEMBER_UPDATE"
	NameMemberRemove                = "MEMBER_REMOVE"
	NameMessageReactionAdd          = "MESSAGE_REACTION_ADD"
	NameMessageReactionRemove       = "MESSAGE_REACTION_REMOVE"
	NameMessageReactionRemoveAll    = "MESSAGE_REACTION_REMOVE_ALL"
	NameMessageReactionRemoveAllEmj = "MESSAGE_REACTION_REMOVE_ALL_EMOJI"
	NameChannelCreate               = "CHANNEL_CREATE"
	NameChannelUpdate               = "CHANNEL_UPDATE"
	NameChannelDelete               = "CHANNEL_DELETE"
	NameThreadCreate                = "THREAD_CREATE"
	NameThreadUpdate                = "THREAD_UPDATE"
	NameThreadDelete                = "THREAD_DELETE"
	NameThreadListSync              = "THREAD_LIST_SYNC"
	NameThreadMemberUpdate          = "THREAD_MEMBER_UPDATE"
	NameThreadMembersUpdate         = "THREAD_MEMBERS_UPDATE"
	NameCommandInteraction          = "BOTLOADER_COMMAND_INTERACTION_CREATE"
	NameComponentInteraction        = "BOTLOADER_COMPONENT_INTERACTION_CREATE"
	NameModalSubmitInteraction      = "BOTLOADER_MODAL_SUBMIT_INTERACTION_CREATE"
	NameInviteCreate                = "INVITE_CREATE"
	NameInviteDelete                = "INVITE_DELETE"
	NameVoiceStateUpdate            = "VOICE_STATE_UPDATE"

	// Synthetic kinds produced by the scheduler's timer/task driving, never
	// by the Dispatch Codec (spec.md §4.2).
	NameTask     = "TASK"
	NameInterval = "INTERVAL"
)

// VMSession is the lifecycle record for one tenant's script VM instance
// (spec.md §3).
type VMSession struct {
	VMInstance     string // opaque instance ID, e.g. a uuid
	Seq            uint64 // sequence of the CreateScriptsVm this session answers
	StartedAt      time.Time
	OutstandingOps int
	CPUUsed        time.Duration
	HeapPeak       uint64
	TasksInFlight  map[TimerKey]int
}

// NewVMSession returns a freshly started session for the given
// CreateScriptsVm sequence number.
func NewVMSession(instance string, seq uint64) *VMSession {
	return &VMSession{
		VMInstance:    instance,
		Seq:           seq,
		StartedAt:     time.Now(),
		TasksInFlight: make(map[TimerKey]int),
	}
}
