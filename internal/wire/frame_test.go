package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTripSchedulerMessage(t *testing.T) {
	var buf bytes.Buffer
	msg := NewDispatch("MESSAGE_CREATE", 1, []byte(`{"a":1}`))

	require.NoError(t, WriteSchedulerMessage(&buf, msg))

	dir, sched, worker, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, DirSchedulerMessage, dir)
	require.Nil(t, worker)
	require.NotNil(t, sched)
	require.Equal(t, KindDispatch, sched.Kind)
	require.Equal(t, "MESSAGE_CREATE", sched.Dispatch.Name)
	require.Equal(t, uint64(1), sched.Dispatch.Seq)
}

func TestFrameRoundTripWorkerMessage(t *testing.T) {
	var buf bytes.Buffer
	msg := NewAck(42)

	require.NoError(t, WriteWorkerMessage(&buf, msg))

	dir, sched, worker, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, DirWorkerMessage, dir)
	require.Nil(t, sched)
	require.NotNil(t, worker)
	require.Equal(t, KindAck, worker.Kind)
	require.Equal(t, uint64(42), worker.AckSeq)
}

func TestFrameMultipleMessagesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSchedulerMessage(&buf, NewComplete()))
	require.NoError(t, WriteWorkerMessage(&buf, NewHello(7)))

	r := bufio.NewReader(&buf)

	_, sched, _, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, KindComplete, sched.Kind)

	_, _, worker, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, KindHello, worker.Kind)
	require.Equal(t, uint64(7), worker.HelloSeq)
}

func TestFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(DirSchedulerMessage))
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	buf.Write([]byte{0, 0, 0})

	_, _, _, err := ReadFrame(bufio.NewReader(&buf))
	require.Error(t, err)
}
