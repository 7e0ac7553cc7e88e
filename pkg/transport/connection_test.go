package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionstorm66/blynk-server/pkg/protocol"
)

type collector struct {
	mu   sync.Mutex
	msgs []protocol.Message
	done chan struct{}
	want int
}

func newCollector(want int) *collector {
	return &collector{done: make(chan struct{}), want: want}
}

func (c *collector) onMessage(_ context.Context, _ uuid.UUID, msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	if len(c.msgs) == c.want {
		close(c.done)
	}
}

func (c *collector) collected() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.msgs...)
}

func startConn(t *testing.T, onMsg MessageHandler) (net.Conn, *Connection, chan error) {
	t.Helper()
	client, srv := net.Pipe()
	var wg sync.WaitGroup
	conn := NewConnection(context.Background(), &wg, srv,
		ConnectionConfig{ReadTimeout: 2 * time.Second}, slog.Default())
	closed := make(chan error, 1)
	conn.SetOnMessageHandler(onMsg)
	conn.SetOnCloseHandler(func(_ uuid.UUID, err error) { closed <- err })
	conn.Run()
	t.Cleanup(func() {
		conn.Close(nil)
		client.Close()
	})
	return client, conn, closed
}

func TestReadPumpDecodesAcrossWrites(t *testing.T) {
	col := newCollector(2)
	client, _, _ := startConn(t, col.onMessage)

	a, err := protocol.Encode(protocol.Message{Command: protocol.CmdLogin, ID: 1, Body: []byte("tok\x0042")})
	require.NoError(t, err)
	b, err := protocol.Encode(protocol.Message{Command: protocol.CmdPing, ID: 2})
	require.NoError(t, err)
	stream := append(a, b...)

	// Write in awkward chunks to exercise the streaming decoder.
	go func() {
		for i := 0; i < len(stream); i += 3 {
			end := i + 3
			if end > len(stream) {
				end = len(stream)
			}
			client.Write(stream[i:end])
		}
	}()

	select {
	case <-col.done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages were not decoded in time")
	}
	msgs := col.collected()
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.CmdLogin, msgs[0].Command)
	assert.Equal(t, uint16(1), msgs[0].ID)
	assert.Equal(t, protocol.CmdPing, msgs[1].Command)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	col := newCollector(1)
	client, _, closed := startConn(t, col.onMessage)

	// Declared body far over the ceiling.
	go client.Write([]byte{byte(protocol.CmdHardware), 0, 1, 0xFF, 0xFF})

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed on malformed frame")
	}
}

func TestSendWritesFrame(t *testing.T) {
	client, conn, _ := startConn(t, nil)

	conn.Send(protocol.EncodeResponse(4, protocol.StatusOK))

	buf := make([]byte, protocol.HeaderLen)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, protocol.HeaderLen, n)

	var d protocol.Decoder
	d.Feed(buf)
	msg, err := d.Next()
	require.NoError(t, err)
	status, ok := protocol.ResponseStatus(msg)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusOK, status)
	assert.Equal(t, uint16(4), msg.ID)
}

func TestCloseBeforeRun(t *testing.T) {
	_, srv := net.Pipe()
	var wg sync.WaitGroup
	conn := NewConnection(context.Background(), &wg, srv, ConnectionConfig{}, slog.Default())
	closed := make(chan error, 1)
	conn.SetOnCloseHandler(func(_ uuid.UUID, err error) { closed <- err })

	// A connection cycled out before its pumps start must tear down
	// cleanly and release its WaitGroup slot.
	conn.Close(nil)
	<-closed

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitGroup not released by pre-Run close")
	}
}

func TestSendAfterCloseIsNoop(t *testing.T) {
	_, conn, closed := startConn(t, nil)
	conn.Close(nil)
	<-closed

	// Must not panic or block.
	conn.Send(protocol.EncodeResponse(1, protocol.StatusOK))
}
