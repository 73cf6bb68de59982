package source

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/herald/internal/channel"
	"github.com/woozymasta/herald/internal/message"
	"github.com/woozymasta/herald/internal/promise"
	"github.com/woozymasta/herald/internal/transport"
)

// queryTransport runs the library exchange for the request of a context and feeds
// the outcome back through the context, on the channel loop.
type queryTransport struct {
	query QueryFunc
}

func (t *queryTransport) Send(c *channel.Context) *promise.Promise[*channel.Context] {
	w, err := transport.Check(c)
	if err != nil {
		return promise.Rejected[*channel.Context](err)
	}

	req := c.Request()
	ch := c.Channel()
	ctx, cancel := context.WithCancel(context.Background())
	c.ResponsePromise().OnComplete(func(*promise.Promise[message.Response]) { cancel() })

	c.EndWrite(nil)

	go func() {
		defer cancel()
		info, err := t.query(ctx, req.Recipient())

		ok := ch.Loop().Execute(func() {
			if err != nil {
				c.ReceiveError(err)
				return
			}
			c.Receive(message.NewBaseResponse(req.Recipient(), req.TransactionID(), info))
		})
		if !ok {
			log.Trace().Str("request", message.Describe(req)).Msg("Query finished after channel closed")
		}
	}()

	return w
}

func (t *queryTransport) Close() error { return nil }
