// Package transport defines the command transport consumed by network
// bridges and the request/response correlation shared by its
// implementations.
package transport

import (
	"context"
	"crypto/x509"
	"errors"

	"github.com/glimte/mmate-netbridge/command"
)

var (
	// ErrDisposed is returned by operations on a stopped transport.
	ErrDisposed = errors.New("transport: disposed")
	// ErrNotStarted is returned when sending before Start.
	ErrNotStarted = errors.New("transport: not started")
	// ErrPeerStopped is reported to the listener when the other end closes.
	ErrPeerStopped = errors.New("transport: peer stopped")
	// ErrNoListener is returned by Start when no listener was installed.
	ErrNoListener = errors.New("transport: no listener")
	// ErrUnauthorized marks a peer refusing the credentials or permissions
	// of the connection.
	ErrUnauthorized = errors.New("transport: not authorized")
)

// Listener receives inbound commands and asynchronous failures. Calls are
// made from a transport-owned goroutine, one at a time and in arrival
// order.
type Listener interface {
	OnCommand(command.Command)
	OnError(error)
}

// ListenerFuncs adapts a pair of functions to Listener.
type ListenerFuncs struct {
	Command func(command.Command)
	Error   func(error)
}

// OnCommand implements Listener.
func (l ListenerFuncs) OnCommand(c command.Command) {
	if l.Command != nil {
		l.Command(c)
	}
}

// OnError implements Listener.
func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

// ResponseCallback completes an asynchronous request. err reports a
// transport failure; a broker-side failure arrives as an
// *command.ExceptionResponse with a nil err.
type ResponseCallback func(resp command.Command, err error)

// Transport carries commands to one peer.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Oneway sends without waiting for a response.
	Oneway(ctx context.Context, cmd command.Command) error
	// Request sends and blocks until the response arrives or ctx ends.
	Request(ctx context.Context, cmd command.Command) (command.Command, error)
	// AsyncRequest sends and returns; cb runs once when the response
	// arrives or the transport fails.
	AsyncRequest(ctx context.Context, cmd command.Command, cb ResponseCallback) error
	SetListener(Listener)
	RemoteAddress() string
}

// Filter is implemented by transports that wrap another transport.
type Filter interface {
	Next() Transport
}

// PeerCertificateProvider is implemented by transports secured with TLS.
type PeerCertificateProvider interface {
	PeerCertificates() []*x509.Certificate
}

// PeerCertificates walks the filter chain of t and returns the first peer
// certificates found, or nil.
func PeerCertificates(t Transport) []*x509.Certificate {
	for t != nil {
		if p, ok := t.(PeerCertificateProvider); ok {
			if certs := p.PeerCertificates(); len(certs) > 0 {
				return certs
			}
		}
		f, ok := t.(Filter)
		if !ok {
			return nil
		}
		t = f.Next()
	}
	return nil
}

// ResponseError returns the failure carried by an exception response.
func ResponseError(resp command.Command) error {
	if ex, ok := resp.(*command.ExceptionResponse); ok {
		return ex.Err()
	}
	return nil
}
