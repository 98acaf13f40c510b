package pubsubbroker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/botloader/scheduler/internal/coretypes"
)

func TestWireMessageToRawEvent(t *testing.T) {
	guild := uint64(7)
	wm := wireMessage{GuildID: &guild, Kind: int(coretypes.EventMessageCreate), Payload: []byte(`{"a":1}`)}

	raw := wm.toRawEvent()
	require.NotNil(t, raw.GuildID)
	require.Equal(t, coretypes.GuildID(7), *raw.GuildID)
	require.Equal(t, coretypes.EventMessageCreate, raw.Kind)
	require.Equal(t, []byte(`{"a":1}`), []byte(raw.Payload))
}

func TestWireMessageToRawEventNoGuild(t *testing.T) {
	wm := wireMessage{Kind: int(coretypes.EventGuildCreate)}
	raw := wm.toRawEvent()
	require.Nil(t, raw.GuildID)
}
