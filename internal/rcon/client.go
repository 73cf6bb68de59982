package rcon

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"sync/atomic"

	"github.com/woozymasta/herald/internal/channel"
	"github.com/woozymasta/herald/internal/message"
	"github.com/woozymasta/herald/internal/messenger"
	"github.com/woozymasta/herald/internal/pool"
	"github.com/woozymasta/herald/internal/promise"
	"github.com/woozymasta/herald/internal/transport"
)

// Options configure a Client.
type Options struct {
	Messenger messenger.Options
	Dial      channel.DialOptions
	Pool      pool.Config
}

// Client runs RCON commands. Connections are pooled per server; a connection
// stays authenticated for as long as it lives.
type Client struct {
	m     *messenger.Messenger
	pool  *pool.Pool
	codec *Codec
	seq   atomic.Int32
}

// New returns a client.
func New(opts Options) *Client {
	codec := NewCodec()

	dial := opts.Dial
	dial.Network = "tcp"
	dial.Framer = codec

	if opts.Messenger.Name == "" {
		opts.Messenger.Name = "rcon"
	}

	pl := pool.New(channel.NewDialer(dial), opts.Pool)
	return &Client{
		m:     messenger.New(transport.NewNetwork(codec), pl, codec, opts.Messenger),
		pool:  pl,
		codec: codec,
	}
}

func (c *Client) nextID() string {
	return strconv.Itoa(int(c.seq.Add(1) & 0x7fffffff))
}

// Authenticate logs in on a connection to addr.
func (c *Client) Authenticate(ctx context.Context, addr netip.AddrPort, password string) *promise.Promise[bool] {
	req := &AuthRequest{
		BaseRequest: message.NewBaseRequest(addr, c.nextID()),
		Password:    password,
	}

	sent := c.m.Send(ctx, req)
	sent.OnComplete(func(*promise.Promise[message.Response]) { c.codec.Forget(req.TransactionID()) })

	return promise.Then(sent, func(res message.Response) (bool, error) {
		if _, err := packetOf(res); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Execute runs command on an authenticated connection to addr and returns its output.
func (c *Client) Execute(ctx context.Context, addr netip.AddrPort, command string) *promise.Promise[string] {
	req := &CommandRequest{
		BaseRequest: message.NewBaseRequest(addr, c.nextID()),
		Command:     command,
	}

	return promise.Then(c.m.Send(ctx, req), func(res message.Response) (string, error) {
		p, err := packetOf(res)
		if err != nil {
			return "", err
		}
		return p.Body, nil
	})
}

// Pending returns the number of commands in flight.
func (c *Client) Pending() int { return c.m.Pending() }

// Stats returns the connection counts of addr.
func (c *Client) Stats(addr netip.AddrPort) pool.Stats { return c.pool.Stats(addr) }

// Close closes the client and its connections.
func (c *Client) Close() error { return c.m.Close() }

func packetOf(res message.Response) (Packet, error) {
	p, ok := res.Content().(Packet)
	if !ok {
		return Packet{}, fmt.Errorf("unexpected rcon response content %T", res.Content())
	}
	return p, nil
}
