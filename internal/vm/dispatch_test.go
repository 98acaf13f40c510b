package vm

import (
	"context"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/require"

	"github.com/botloader/scheduler/internal/coretypes"
)

func TestDispatchNamedInvokesRegisteredHandler(t *testing.T) {
	scripts := []coretypes.Script{
		{Name: "a", Enabled: true, SourceText: `
			globalThis.seen = null;
			botloader.on("MESSAGE_CREATE", function(evt) { globalThis.seen = evt.content; });
		`},
	}
	s, err := NewSession(1, Budget{WallClock: time.Second}, scripts, nil)
	require.NoError(t, err)

	_, err = s.DispatchNamed(context.Background(), "MESSAGE_CREATE", []byte(`{"content":"hi"}`))
	require.NoError(t, err)

	_, err = s.RunDispatch(context.Background(), func(rt *goja.Runtime) error {
		require.Equal(t, "hi", rt.Get("seen").String())
		return nil
	})
	require.NoError(t, err)
}

func TestConsoleLogSurfacesThroughLogFunc(t *testing.T) {
	scripts := []coretypes.Script{
		{Name: "a", Enabled: true, SourceText: `
			botloader.on("MESSAGE_CREATE", function(evt) { console.log("message in", evt.channel_id); });
		`},
	}
	s, err := NewSession(1, Budget{WallClock: time.Second}, scripts, nil)
	require.NoError(t, err)

	var lines []string
	s.SetLogFunc(func(level, message string) {
		lines = append(lines, level+": "+message)
	})

	_, err = s.DispatchNamed(context.Background(), "MESSAGE_CREATE", []byte(`{"channel_id":"42"}`))
	require.NoError(t, err)
	require.Equal(t, []string{"info: message in 42"}, lines)
}

func TestDispatchNamedNoHandlerIsNoop(t *testing.T) {
	s, err := NewSession(1, Budget{WallClock: time.Second}, nil, nil)
	require.NoError(t, err)

	trig, err := s.DispatchNamed(context.Background(), "MESSAGE_CREATE", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, ShutdownNone, trig)
}
