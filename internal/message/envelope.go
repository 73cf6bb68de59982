package message

import (
	"errors"
	"net/netip"

	"github.com/woozymasta/herald/internal/promise"
)

// ErrNoPromise is the panic value of completion queries on an envelope without a promise.
var ErrNoPromise = errors.New("envelope has no promise attached")

// Receiver is the completion funnel an envelope reports back to.
type Receiver interface {
	Receive(env *Envelope, err error)
}

// Envelope binds a request or response to its addressing, its completion promise
// and the receiver that owns the exchange.
type Envelope struct {
	content   Message
	origin    Request
	promise   *promise.Promise[Response]
	receiver  Receiver
	sender    netip.AddrPort
	recipient netip.AddrPort
}

// NewEnvelope wraps a request with its client promise.
func NewEnvelope(req Request, p *promise.Promise[Response], receiver Receiver) *Envelope {
	return &Envelope{
		content:   req,
		origin:    req,
		promise:   p,
		receiver:  receiver,
		sender:    req.Sender(),
		recipient: req.Recipient(),
	}
}

// Reply returns an envelope carrying res and sharing the promise of env.
// Addressing is mirrored: the response travels from the request recipient back to its sender.
func (env *Envelope) Reply(res Response) *Envelope {
	return &Envelope{
		content:   res,
		origin:    env.origin,
		promise:   env.promise,
		receiver:  env.receiver,
		sender:    env.recipient,
		recipient: env.sender,
	}
}

// Failure returns an envelope without content sharing the promise of env.
func (env *Envelope) Failure() *Envelope {
	return &Envelope{
		origin:    env.origin,
		promise:   env.promise,
		receiver:  env.receiver,
		sender:    env.recipient,
		recipient: env.sender,
	}
}

// Content returns the carried message, nil for failure envelopes.
func (env *Envelope) Content() Message { return env.content }

// Request returns the content as a request, nil if it is not one.
func (env *Envelope) Request() Request {
	req, _ := env.content.(Request)
	return req
}

// Origin returns the request that opened the exchange, also on replies and failures.
func (env *Envelope) Origin() Request { return env.origin }

// Response returns the content as a response, nil if it is not one.
func (env *Envelope) Response() Response {
	res, _ := env.content.(Response)
	return res
}

// Sender returns the source address of the content.
func (env *Envelope) Sender() netip.AddrPort { return env.sender }

// Recipient returns the destination address of the content.
func (env *Envelope) Recipient() netip.AddrPort { return env.recipient }

// Receiver returns the owning receiver.
func (env *Envelope) Receiver() Receiver { return env.receiver }

// Promise returns the completion promise. It panics if none is attached.
func (env *Envelope) Promise() *promise.Promise[Response] {
	if env.promise == nil {
		panic(ErrNoPromise)
	}
	return env.promise
}

// HasPromise reports whether a promise is attached.
func (env *Envelope) HasPromise() bool {
	return env.promise != nil
}

// IsDone reports whether the exchange reached a terminal state.
func (env *Envelope) IsDone() bool { return env.Promise().IsDone() }

// IsSuccess reports whether the exchange completed with a response.
func (env *Envelope) IsSuccess() bool { return env.Promise().IsSuccess() }

// IsCancelled reports whether the exchange was cancelled.
func (env *Envelope) IsCancelled() bool { return env.Promise().IsCancelled() }
