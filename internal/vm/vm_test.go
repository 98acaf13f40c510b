package vm

import (
	"context"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/require"

	"github.com/botloader/scheduler/internal/coretypes"
)

func TestNewSessionLoadsEnabledScriptsOnly(t *testing.T) {
	scripts := []coretypes.Script{
		{Name: "a", SourceText: "globalThis.a = 1;", Enabled: true},
		{Name: "b", SourceText: "globalThis.b = 2;", Enabled: false},
	}
	s, err := NewSession(1, Budget{WallClock: time.Second}, scripts, nil)
	require.NoError(t, err)

	_, err = s.RunDispatch(context.Background(), func(rt *goja.Runtime) error {
		require.Equal(t, int64(1), rt.Get("a").ToInteger())
		require.True(t, goja.IsUndefined(rt.Get("b")))
		return nil
	})
	require.NoError(t, err)
}

func TestRunDispatchInterruptsOnWallClockOverrun(t *testing.T) {
	s, err := NewSession(1, Budget{WallClock: 30 * time.Millisecond}, nil, nil)
	require.NoError(t, err)

	trig, err := s.RunDispatch(context.Background(), func(rt *goja.Runtime) error {
		_, err := rt.RunString(`while (true) {}`)
		return err
	})
	require.Equal(t, ShutdownRunaway, trig)
	require.Error(t, err)
}

func TestStatsAccumulateAcrossDispatches(t *testing.T) {
	s, err := NewSession(1, Budget{WallClock: time.Second}, nil, nil)
	require.NoError(t, err)

	heap0, cpu0 := s.Stats()
	require.Zero(t, cpu0)

	_, err = s.RunDispatch(context.Background(), func(rt *goja.Runtime) error {
		_, err := rt.RunString(`var xs = []; for (var i = 0; i < 1000; i++) { xs.push({i: i}); }`)
		return err
	})
	require.NoError(t, err)

	heap1, cpu1 := s.Stats()
	require.Greater(t, cpu1, cpu0)
	require.GreaterOrEqual(t, heap1, heap0)
}

func TestRunDispatchCancelsOnContext(t *testing.T) {
	s, err := NewSession(1, Budget{WallClock: time.Second}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = s.RunDispatch(ctx, func(rt *goja.Runtime) error {
		_, err := rt.RunString(`while (true) {}`)
		return err
	})
	require.Error(t, err)
}
