package bridge

import (
	"io"
	"log/slog"
	"net"
	"testing"

	gws "github.com/gobwas/ws"
	"github.com/ianic/wsbridge/ws"
	"github.com/prep/socketpair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConn(t *testing.T) (*ws.Conn, net.Conn) {
	server, client, err := socketpair.New("unix")
	require.NoError(t, err)
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return ws.NewConn(server, ws.MaxFrameSize), client
}

// clientWrite sends masked frame as a browser would.
func clientWrite(t *testing.T, client net.Conn, op gws.OpCode, fin bool, payload string) {
	f := gws.MaskFrameWith(gws.NewFrame(op, fin, []byte(payload)), [4]byte{0x12, 0x34, 0x56, 0x78})
	require.NoError(t, gws.WriteFrame(client, f))
}

func closeCode(t *testing.T, f gws.Frame) uint16 {
	require.Equal(t, gws.OpClose, f.Header.OpCode)
	require.True(t, len(f.Payload) >= 2)
	return uint16(f.Payload[0])<<8 | uint16(f.Payload[1])
}

func TestManagerAcceptEvicts(t *testing.T) {
	mgr := NewManager(testLog, "0", ws.MaxFrameSize)
	assert.Nil(t, mgr.Active())
	assert.Equal(t, -1, mgr.Fd())

	first, firstClient := testConn(t)
	require.NoError(t, mgr.Accept(first))
	assert.Equal(t, first, mgr.Active())
	assert.True(t, mgr.Fd() >= 0)

	second, _ := testConn(t)
	require.NoError(t, mgr.Accept(second))
	assert.Equal(t, second, mgr.Active())

	f, err := gws.ReadFrame(firstClient)
	require.NoError(t, err)
	assert.Equal(t, ws.CloseGoingAway, closeCode(t, f))
	assert.Equal(t, "wsbridge error\n", string(f.Payload[2:]))
	_, err = firstClient.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestManagerVersionRequest(t *testing.T) {
	mgr := NewManager(testLog, "42", ws.MaxFrameSize)
	conn, client := testConn(t)
	require.NoError(t, mgr.Accept(conn))

	clientWrite(t, client, gws.OpText, true, "V")
	require.NoError(t, mgr.OnReadable())

	f, err := gws.ReadFrame(client)
	require.NoError(t, err)
	assert.Equal(t, gws.OpText, f.Header.OpCode)
	assert.True(t, f.Header.Fin)
	assert.Equal(t, "V42", string(f.Payload))
	assert.NotNil(t, mgr.Active())
}

func TestManagerFragmentedVersionRequest(t *testing.T) {
	mgr := NewManager(testLog, "0", ws.MaxFrameSize)
	conn, client := testConn(t)
	require.NoError(t, mgr.Accept(conn))

	// empty first fragment, V in the last one
	clientWrite(t, client, gws.OpText, false, "")
	clientWrite(t, client, gws.OpContinuation, true, "V")
	require.NoError(t, mgr.OnReadable())

	f, err := gws.ReadFrame(client)
	require.NoError(t, err)
	assert.Equal(t, "V0", string(f.Payload))
}

func TestManagerUnsolicitedIgnored(t *testing.T) {
	mgr := NewManager(testLog, "0", ws.MaxFrameSize)
	conn, client := testConn(t)
	require.NoError(t, mgr.Accept(conn))

	clientWrite(t, client, gws.OpText, true, "hello")
	clientWrite(t, client, gws.OpText, true, "V")
	require.NoError(t, mgr.OnReadable())
	require.NoError(t, mgr.OnReadable())

	// only version is answered
	f, err := gws.ReadFrame(client)
	require.NoError(t, err)
	assert.Equal(t, "V0", string(f.Payload))
}

func TestManagerDropOnProtocolError(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		code uint16
	}{
		{"reserved opcode", []byte{0x83, 0x80, 0, 0, 0, 0}, ws.CloseProtocolError},
		{"fragmented ping", []byte{0x09, 0x80, 0, 0, 0, 0}, ws.CloseProtocolError},
		{"too large", []byte{0x82, 0xff, 0, 0, 0, 0, 0x01, 0x00, 0x00, 0x01, 0, 0, 0, 0}, ws.CloseMessageTooBig},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			mgr := NewManager(testLog, "0", ws.MaxFrameSize)
			conn, client := testConn(t)
			require.NoError(t, mgr.Accept(conn))

			_, err := client.Write(c.data)
			require.NoError(t, err)
			require.NoError(t, mgr.OnReadable())
			assert.Nil(t, mgr.Active())
			assert.Equal(t, -1, mgr.Fd())

			f, err := gws.ReadFrame(client)
			require.NoError(t, err)
			assert.Equal(t, c.code, closeCode(t, f))
		})
	}
}

func TestManagerPeerClose(t *testing.T) {
	mgr := NewManager(testLog, "0", ws.MaxFrameSize)
	conn, client := testConn(t)
	require.NoError(t, mgr.Accept(conn))

	clientWrite(t, client, gws.OpClose, true, "\x03\xe8")
	require.NoError(t, mgr.OnReadable())
	assert.Nil(t, mgr.Active())

	// echo only, no second close frame
	f, err := gws.ReadFrame(client)
	require.NoError(t, err)
	assert.Equal(t, uint16(1000), closeCode(t, f))
	rest, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestManagerPeerGone(t *testing.T) {
	mgr := NewManager(testLog, "0", ws.MaxFrameSize)
	conn, client := testConn(t)
	require.NoError(t, mgr.Accept(conn))

	client.Close()
	require.NoError(t, mgr.OnReadable())
	assert.Nil(t, mgr.Active())
}
