package bridge

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-netbridge/transport"
)

var (
	// ErrDisposed is returned when the bridge was disposed before Start
	// finished. It matches transport.ErrDisposed.
	ErrDisposed = fmt.Errorf("bridge: disposed: %w", transport.ErrDisposed)
	// ErrSecurity marks authentication and authorization failures. It
	// matches transport.ErrUnauthorized.
	ErrSecurity = fmt.Errorf("bridge: security failure: %w", transport.ErrUnauthorized)
	// ErrRemoteShutdown is raised when a duplex peer shuts down.
	ErrRemoteShutdown = errors.New("bridge: remote broker shut down")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("bridge: invalid configuration")
)

// Side names the transport an error or command belongs to.
type Side int

const (
	// Local is the transport to the local broker.
	Local Side = iota
	// Remote is the transport to the peer broker.
	Remote
)

func (s Side) String() string {
	if s == Local {
		return "local"
	}
	return "remote"
}

// BridgeError records a failure that disposed a bridge.
type BridgeError struct {
	Side      Side
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge %s %s: %v", e.Side, e.Op, e.Err)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// IsSecurityError reports whether err is an authentication, authorization
// or certificate failure.
func IsSecurityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, transport.ErrUnauthorized) {
		return true
	}
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
	)
	return errors.As(err, &unknownAuthority) || errors.As(err, &hostname) || errors.As(err, &invalid)
}
