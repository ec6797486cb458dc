package ipc

import (
	"errors"
	"strings"
	"testing"

	"github.com/fzft/agent-ipc/resp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type handlerFixture struct {
	sel  *fakeSelector
	conn *fakeConn
	pool *fakeExecutor
	h    *clientHandler
}

func newHandlerFixture(t *testing.T, cb Callbacks) *handlerFixture {
	sel := newFakeSelector()
	conn := newFakeConn(7)
	key, err := sel.Register(conn, OpRead, Attachment{})
	require.NoError(t, err)
	conn.key = key

	pool := &fakeExecutor{}
	return &handlerFixture{
		sel:  sel,
		conn: conn,
		pool: pool,
		h:    newClientHandler(conn, pool, cb, zap.NewNop(), 0),
	}
}

func (f *handlerFixture) send(payloads ...string) {
	for _, p := range payloads {
		f.conn.in.Write(resp.AppendBlob(nil, []byte(p)))
	}
}

func upper() Callbacks {
	return CallbacksFunc(func(b []byte) ([]byte, error) {
		return []byte(strings.ToUpper(string(b))), nil
	})
}

func decodeAll(t *testing.T, b []byte) []resp.Frame {
	dec := resp.NewDecoder(0)
	dec.Feed(b)
	var frames []resp.Frame
	for {
		f, err := dec.Next()
		if errors.Is(err, resp.ErrIncomplete) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestRequestReply(t *testing.T) {
	f := newHandlerFixture(t, upper())
	f.send("hello")

	require.NoError(t, f.h.HandleRead())
	assert.Equal(t, OpRead, f.conn.key.Interest())

	assert.Equal(t, 1, f.pool.runAll())
	assert.Equal(t, OpRead|OpWrite, f.conn.key.Interest())

	require.NoError(t, f.h.HandleWrite())
	assert.Equal(t, "$5\r\nHELLO\r\n", f.conn.out.String())
	assert.Equal(t, OpRead, f.conn.key.Interest())
	assert.True(t, f.conn.key.IsValid())
}

func TestRepliesKeepRequestOrder(t *testing.T) {
	f := newHandlerFixture(t, upper())
	f.send("a", "b", "c")

	require.NoError(t, f.h.HandleRead())
	// one drain task serves the whole inbox
	assert.Equal(t, 1, f.pool.runAll())
	require.NoError(t, f.h.HandleWrite())

	frames := decodeAll(t, f.conn.out.Bytes())
	require.Len(t, frames, 3)
	assert.Equal(t, "A", string(frames[0].Data))
	assert.Equal(t, "B", string(frames[1].Data))
	assert.Equal(t, "C", string(frames[2].Data))
}

func TestCallbackErrorBecomesErrorFrame(t *testing.T) {
	f := newHandlerFixture(t, CallbacksFunc(func([]byte) ([]byte, error) {
		return nil, errors.New("unknown metric")
	}))
	f.send("cpu")

	require.NoError(t, f.h.HandleRead())
	f.pool.runAll()
	require.NoError(t, f.h.HandleWrite())

	assert.Equal(t, "-unknown metric\r\n", f.conn.out.String())
	assert.True(t, f.conn.key.IsValid())
}

func TestCallbackPanicBecomesErrorFrame(t *testing.T) {
	f := newHandlerFixture(t, CallbacksFunc(func([]byte) ([]byte, error) {
		panic("boom")
	}))
	f.send("x")

	require.NoError(t, f.h.HandleRead())
	f.pool.runAll()
	require.NoError(t, f.h.HandleWrite())
	assert.Equal(t, "-internal error\r\n", f.conn.out.String())
}

func TestMissingCallbacks(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.send("x")

	require.NoError(t, f.h.HandleRead())
	f.pool.runAll()
	require.NoError(t, f.h.HandleWrite())
	assert.Equal(t, "-"+errNoCallbacks.Error()+"\r\n", f.conn.out.String())
}

func TestPartialWriteKeepsWriteInterest(t *testing.T) {
	f := newHandlerFixture(t, upper())
	f.conn.writeBudget = 3
	f.send("hello")

	require.NoError(t, f.h.HandleRead())
	f.pool.runAll()

	require.NoError(t, f.h.HandleWrite())
	assert.Equal(t, "$5\r", f.conn.out.String())
	assert.Equal(t, OpRead|OpWrite, f.conn.key.Interest())

	f.conn.writeBudget = -1
	require.NoError(t, f.h.HandleWrite())
	assert.Equal(t, "$5\r\nHELLO\r\n", f.conn.out.String())
	assert.Equal(t, OpRead, f.conn.key.Interest())
}

func TestFrameSplitAcrossReads(t *testing.T) {
	f := newHandlerFixture(t, upper())
	frame := resp.AppendBlob(nil, []byte("split"))

	f.conn.in.Write(frame[:4])
	require.NoError(t, f.h.HandleRead())
	assert.Zero(t, f.pool.runAll())

	f.conn.in.Write(frame[4:])
	require.NoError(t, f.h.HandleRead())
	assert.Equal(t, 1, f.pool.runAll())

	require.NoError(t, f.h.HandleWrite())
	assert.Equal(t, "$5\r\nSPLIT\r\n", f.conn.out.String())
}

func TestEOFClosesConnection(t *testing.T) {
	f := newHandlerFixture(t, upper())
	f.conn.eof = true

	require.NoError(t, f.h.HandleRead())
	assert.True(t, f.conn.closed.Load())
	assert.False(t, f.conn.key.IsValid())
	assert.Nil(t, f.sel.registered(7))
}

func TestRequestBeforeEOFIsAnswered(t *testing.T) {
	f := newHandlerFixture(t, upper())
	f.send("hello", "world")
	f.conn.eof = true

	require.NoError(t, f.h.HandleRead())
	assert.False(t, f.conn.closed.Load())
	assert.True(t, f.conn.key.IsValid())
	assert.Equal(t, Ops(0), f.conn.key.Interest())

	assert.Equal(t, 1, f.pool.runAll())
	assert.Equal(t, OpWrite, f.conn.key.Interest())

	require.NoError(t, f.h.HandleWrite())
	frames := decodeAll(t, f.conn.out.Bytes())
	require.Len(t, frames, 2)
	assert.Equal(t, "HELLO", string(frames[0].Data))
	assert.Equal(t, "WORLD", string(frames[1].Data))

	// the last reply is out, nothing more can arrive
	assert.True(t, f.conn.closed.Load())
	assert.False(t, f.conn.key.IsValid())
}

func TestEOFWaitsForPartialWrite(t *testing.T) {
	f := newHandlerFixture(t, upper())
	f.send("hello")
	f.conn.eof = true
	f.conn.writeBudget = 4

	require.NoError(t, f.h.HandleRead())
	f.pool.runAll()

	require.NoError(t, f.h.HandleWrite())
	assert.False(t, f.conn.closed.Load())
	assert.Equal(t, OpWrite, f.conn.key.Interest())

	f.conn.writeBudget = -1
	require.NoError(t, f.h.HandleWrite())
	assert.Equal(t, "$5\r\nHELLO\r\n", f.conn.out.String())
	assert.True(t, f.conn.closed.Load())
}

func TestEOFClosesAfterDrainFinishes(t *testing.T) {
	f := newHandlerFixture(t, upper())
	f.send("a")

	require.NoError(t, f.h.HandleRead())
	f.pool.runAll()
	require.NoError(t, f.h.HandleWrite())
	assert.Equal(t, OpRead, f.conn.key.Interest())

	// second request is still queued when the peer half-closes
	f.send("b")
	f.conn.eof = true
	require.NoError(t, f.h.HandleRead())
	assert.False(t, f.conn.closed.Load())

	// a stale read readiness after EOF is ignored
	require.NoError(t, f.h.HandleRead())

	f.pool.runAll()
	require.NoError(t, f.h.HandleWrite())
	assert.Equal(t, "$1\r\nA\r\n$1\r\nB\r\n", f.conn.out.String())
	assert.True(t, f.conn.closed.Load())
}

func TestEOFWithPartialFrameCloses(t *testing.T) {
	f := newHandlerFixture(t, upper())
	f.conn.in.WriteString("$5\r\nhel")
	f.conn.eof = true

	require.NoError(t, f.h.HandleRead())
	assert.Zero(t, f.pool.runAll())
	assert.True(t, f.conn.closed.Load())
}

func TestReadErrorClosesConnection(t *testing.T) {
	f := newHandlerFixture(t, upper())
	f.conn.readErr = errors.New("connection reset")

	err := f.h.HandleRead()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.True(t, f.conn.closed.Load())
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	f := newHandlerFixture(t, upper())
	f.conn.in.WriteString("*1\r\n")

	err := f.h.HandleRead()
	assert.ErrorIs(t, err, resp.ErrProtocol)
	assert.True(t, f.conn.closed.Load())
	assert.False(t, f.conn.key.IsValid())
}

func TestErrorFrameFromClientClosesConnection(t *testing.T) {
	f := newHandlerFixture(t, upper())
	f.conn.in.Write(resp.AppendError(nil, "nope"))

	err := f.h.HandleRead()
	assert.ErrorIs(t, err, resp.ErrProtocol)
	assert.True(t, f.conn.closed.Load())
}

func TestRejectedSubmitClosesConnection(t *testing.T) {
	f := newHandlerFixture(t, upper())
	f.pool.Shutdown()
	f.send("x")

	err := f.h.HandleRead()
	assert.ErrorIs(t, err, errExecutorShutdown)
	assert.True(t, f.conn.closed.Load())
}

func TestCloseDropsPendingReplies(t *testing.T) {
	f := newHandlerFixture(t, upper())
	f.send("a")

	require.NoError(t, f.h.HandleRead())
	require.NoError(t, f.h.close())
	f.pool.runAll()

	require.NoError(t, f.h.HandleWrite())
	assert.Empty(t, f.conn.out.String())
}

func TestFactoryBuildsClientHandler(t *testing.T) {
	conn := newFakeConn(3)
	h := NewHandlerFactory(zap.NewNop(), 64).CreateHandler(conn, &fakeExecutor{}, upper())
	require.IsType(t, &clientHandler{}, h)
}
