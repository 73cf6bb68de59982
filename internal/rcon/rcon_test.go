package rcon

import (
	"bufio"
	"bytes"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/herald/internal/channel"
	"github.com/woozymasta/herald/internal/message"
	"github.com/woozymasta/herald/internal/pool"
)

const password = "secret"

// fakeServer answers auth and echoes commands like a Source dedicated server.
func fakeServer(t *testing.T) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(conn)
		}
	}()

	return ln.Addr().(*net.TCPAddr).AddrPort()
}

func serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	r := bufio.NewReader(conn)
	codec := NewCodec()

	for {
		frame, err := codec.ReadFrame(r)
		if err != nil {
			return
		}
		p, err := DecodePacket(frame)
		if err != nil {
			return
		}

		var out []byte
		switch p.Type {
		case TypeAuth:
			empty, _ := EncodePacket(p.ID, TypeResponseValue, "")
			id := p.ID
			if p.Body != password {
				id = -1
			}
			answer, _ := EncodePacket(id, TypeAuthResponse, "")
			out = append(empty, answer...)
		case TypeExecCommand:
			out, _ = EncodePacket(p.ID, TypeResponseValue, "echo: "+p.Body)
		}
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func newClient(t *testing.T) *Client {
	t.Helper()
	c := New(Options{
		Dial: channel.DialOptions{DialTimeout: time.Second, ReadTimeout: 2 * time.Second},
		Pool: pool.Config{MaxConnections: 1, AcquireTimeout: 2 * time.Second},
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPacketRoundTrip(t *testing.T) {
	raw, err := EncodePacket(7, TypeExecCommand, "status")
	require.NoError(t, err)
	assert.Len(t, raw, 4+8+len("status")+2)

	frame, err := NewCodec().ReadFrame(bufio.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	p, err := DecodePacket(frame)
	require.NoError(t, err)
	assert.Equal(t, Packet{ID: 7, Type: TypeExecCommand, Body: "status"}, p)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := DecodePacket([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedPacket)

	raw, _ := EncodePacket(1, TypeResponseValue, "x")
	raw[len(raw)-1] = 'x'
	_, err = DecodePacket(raw[4:])
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, err = EncodePacket(1, TypeExecCommand, string(make([]byte, MaxBodySize+1)))
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestCodecSkipsEmptyAuthValue(t *testing.T) {
	codec := NewCodec()
	addr := netip.MustParseAddrPort("127.0.0.1:27015")
	_, err := codec.Encode(&AuthRequest{BaseRequest: message.NewBaseRequest(addr, "5"), Password: "x"})
	require.NoError(t, err)

	empty, _ := EncodePacket(5, TypeResponseValue, "")
	res, err := codec.Decode(empty[4:], addr)
	require.NoError(t, err)
	assert.Nil(t, res)

	answer, _ := EncodePacket(5, TypeAuthResponse, "")
	res, err = codec.Decode(answer[4:], addr)
	require.NoError(t, err)
	assert.Equal(t, "5", res.TransactionID())

	denied, _ := EncodePacket(-1, TypeAuthResponse, "")
	_, err = codec.Decode(denied[4:], addr)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestEncodeRejectsBadTransaction(t *testing.T) {
	addr := netip.MustParseAddrPort("127.0.0.1:27015")
	_, err := NewCodec().Encode(&CommandRequest{BaseRequest: message.NewBaseRequest(addr, "abc")})
	assert.Error(t, err)
}

func TestAuthenticateAndExecute(t *testing.T) {
	addr := fakeServer(t)
	c := newClient(t)

	ok, err := c.Authenticate(t.Context(), addr, password).Wait(t.Context())
	require.NoError(t, err)
	assert.True(t, ok)

	for _, cmd := range []string{"status", "players"} {
		out, err := c.Execute(t.Context(), addr, cmd).Wait(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "echo: "+cmd, out)
	}

	assert.Eventually(t, func() bool { return c.Stats(addr) == pool.Stats{Idle: 1} },
		time.Second, 5*time.Millisecond, "connection returns to the pool")
}

func TestAuthenticateWrongPassword(t *testing.T) {
	addr := fakeServer(t)
	c := newClient(t)

	_, err := c.Authenticate(t.Context(), addr, "wrong").Wait(t.Context())
	assert.ErrorIs(t, err, ErrAuthFailed)
}
