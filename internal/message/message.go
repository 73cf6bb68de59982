// Package message defines the request/response contracts exchanged with game servers
// and the Envelope that carries them together with their completion promise.
package message

import (
	"cmp"
	"fmt"
	"net/netip"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Addressed is implemented by anything that travels between two endpoints.
type Addressed interface {
	Sender() netip.AddrPort
	Recipient() netip.AddrPort
}

// Correlatable exposes the protocol correlation token.
// An empty transaction id means the protocol has none.
type Correlatable interface {
	TransactionID() string
}

// Message is the common contract of requests and responses.
type Message interface {
	Addressed
	Correlatable
}

// Request is an immutable outgoing message.
type Request interface {
	Message
	Created() time.Time
}

// Response is a decoded incoming message.
// The originating request is filled in by correlation, never by decoders.
type Response interface {
	Message
	SetSender(addr netip.AddrPort)
	Request() Request
	SetRequest(req Request)
	Content() any
}

// BaseRequest implements Request and is meant to be embedded by protocol requests.
type BaseRequest struct {
	created   time.Time
	txID      string
	sender    netip.AddrPort
	recipient netip.AddrPort
}

// NewBaseRequest returns a request addressed to recipient with the given transaction id.
// The sender is left as the wildcard address.
func NewBaseRequest(recipient netip.AddrPort, txID string) BaseRequest {
	return BaseRequest{
		recipient: recipient,
		txID:      txID,
		created:   time.Now(),
	}
}

// WithSender returns a copy bound to a specific local address.
func (r BaseRequest) WithSender(sender netip.AddrPort) BaseRequest {
	r.sender = sender
	return r
}

// Sender returns the local address, possibly the zero (any) address.
func (r BaseRequest) Sender() netip.AddrPort { return r.sender }

// Recipient returns the destination address.
func (r BaseRequest) Recipient() netip.AddrPort { return r.recipient }

// TransactionID returns the correlation token.
func (r BaseRequest) TransactionID() string { return r.txID }

// Created returns the creation timestamp.
func (r BaseRequest) Created() time.Time { return r.created }

// BaseResponse implements Response and is meant to be embedded by protocol responses.
type BaseResponse struct {
	request   Request
	content   any
	txID      string
	sender    netip.AddrPort
	recipient netip.AddrPort
	mu        sync.Mutex
}

// NewBaseResponse returns a response received from sender.
func NewBaseResponse(sender netip.AddrPort, txID string, content any) *BaseResponse {
	return &BaseResponse{sender: sender, txID: txID, content: content}
}

// Sender returns the remote address the response came from.
func (r *BaseResponse) Sender() netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sender
}

// SetSender stamps the remote address.
func (r *BaseResponse) SetSender(addr netip.AddrPort) {
	r.mu.Lock()
	r.sender = addr
	r.mu.Unlock()
}

// Recipient returns the local address.
func (r *BaseResponse) Recipient() netip.AddrPort { return r.recipient }

// TransactionID returns the correlation token populated by the decoder.
func (r *BaseResponse) TransactionID() string { return r.txID }

// Content returns the processed payload.
func (r *BaseResponse) Content() any { return r.content }

// Request returns the originating request, nil before correlation.
func (r *BaseResponse) Request() Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.request
}

// SetRequest binds the originating request. Only the first call has effect.
func (r *BaseResponse) SetRequest(req Request) {
	r.mu.Lock()
	if r.request == nil {
		r.request = req
	}
	r.mu.Unlock()
}

// SameTransaction compares two transaction ids case-insensitively.
// Blank ids never match.
func SameTransaction(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}

// Compare orders requests by sender host/port, recipient host/port, then concrete type name.
func Compare(a, b Request) int {
	if c := a.Sender().Compare(b.Sender()); c != 0 {
		return c
	}
	if c := a.Recipient().Compare(b.Recipient()); c != 0 {
		return c
	}
	return cmp.Compare(TypeName(a), TypeName(b))
}

// TypeName returns the concrete type name of m, used in logs and ordering.
func TypeName(m any) string {
	if m == nil {
		return "<nil>"
	}
	t := reflect.TypeOf(m)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// Describe formats a message for logs.
func Describe(m Message) string {
	if m == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s{to=%s txid=%q}", TypeName(m), m.Recipient(), m.TransactionID())
}
