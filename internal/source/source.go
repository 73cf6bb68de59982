// Package source queries game servers with the Source Engine Query (A2S) protocol.
// Exchanges run through a messenger, so they share its sessions, retry policy and
// rate limit; the wire work itself is done by the a2s library.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/woozymasta/a2s/pkg/a2s"
	"github.com/woozymasta/herald/internal/channel"
	"github.com/woozymasta/herald/internal/message"
	"github.com/woozymasta/herald/internal/messenger"
	"github.com/woozymasta/herald/internal/promise"
)

// ErrUnexpectedContent is returned when a response does not carry server info.
var ErrUnexpectedContent = errors.New("unexpected response content")

// InfoRequest asks a server for A2S_INFO.
type InfoRequest struct {
	message.BaseRequest
}

// QueryFunc performs one A2S_INFO exchange.
type QueryFunc func(ctx context.Context, addr netip.AddrPort) (*a2s.Info, error)

// Options configure a Client.
type Options struct {
	// Query replaces the library exchange, mainly for tests.
	Query QueryFunc

	Messenger messenger.Options

	Timeout    time.Duration
	BufferSize uint16
}

// Client queries servers.
type Client struct {
	m   *messenger.Messenger
	seq atomic.Uint64
}

// New returns a client. Each query runs on its own in-memory channel.
func New(opts Options) *Client {
	query := opts.Query
	if query == nil {
		query = libraryQuery(opts.Timeout, opts.BufferSize)
	}
	if opts.Messenger.Name == "" {
		opts.Messenger.Name = "a2s"
	}

	provider := messenger.NewDialProvider(virtualDialer{})
	return &Client{
		m: messenger.New(&queryTransport{query: query}, provider, nil, opts.Messenger),
	}
}

func (c *Client) request(addr netip.AddrPort) *InfoRequest {
	txID := strconv.FormatUint(c.seq.Add(1), 10)
	return &InfoRequest{message.NewBaseRequest(addr, txID)}
}

// Info requests A2S_INFO from addr.
func (c *Client) Info(ctx context.Context, addr netip.AddrPort) *promise.Promise[*a2s.Info] {
	return promise.Then(c.m.Send(ctx, c.request(addr)), infoOf)
}

// Enqueue requests A2S_INFO through the messenger queue. It blocks while the
// queue is full.
func (c *Client) Enqueue(ctx context.Context, addr netip.AddrPort) *promise.Promise[*a2s.Info] {
	return promise.Then(c.m.Enqueue(ctx, c.request(addr)), infoOf)
}

// TryEnqueue is Enqueue without waiting: a full queue rejects the query with
// messenger.ErrQueueFull.
func (c *Client) TryEnqueue(ctx context.Context, addr netip.AddrPort) *promise.Promise[*a2s.Info] {
	return promise.Then(c.m.TryEnqueue(ctx, c.request(addr)), infoOf)
}

func infoOf(res message.Response) (*a2s.Info, error) {
	info, ok := res.Content().(*a2s.Info)
	if !ok || info == nil {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedContent, res.Content())
	}
	return info, nil
}

// Pending returns the number of queries in flight.
func (c *Client) Pending() int { return c.m.Pending() }

// Queued returns the number of queries waiting in the queue.
func (c *Client) Queued() int { return c.m.QueueLen() }

// Close waits for queries in flight and closes the client.
func (c *Client) Close() error { return c.m.Close() }

func libraryQuery(timeout time.Duration, bufferSize uint16) QueryFunc {
	return func(_ context.Context, addr netip.AddrPort) (*a2s.Info, error) {
		client, err := a2s.New(addr.Addr().String(), int(addr.Port()))
		if err != nil {
			return nil, err
		}
		defer func() { _ = client.Close() }()

		if bufferSize > 0 {
			client.BufferSize = bufferSize
		}
		if timeout > 0 {
			client.Timeout = timeout
		}

		return client.GetInfo()
	}
}

// virtualDialer opens one in-memory channel per query.
type virtualDialer struct{}

func (virtualDialer) Dial(_ context.Context, addr netip.AddrPort, h channel.Handler) (channel.Channel, error) {
	return channel.NewVirtual(addr, h, nil), nil
}

func (virtualDialer) ListenShared(channel.Handler) (channel.Channel, error) {
	return nil, errors.New("a2s queries do not use shared channels")
}
