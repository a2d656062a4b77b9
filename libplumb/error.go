package libplumb

import (
	"errors"

	"github.com/netplumb/netplumb/libplumb/ipam"
	"github.com/netplumb/netplumb/libplumb/link"
	"github.com/netplumb/netplumb/libplumb/nat"
)

var (
	ErrAlreadyExists = errors.New("container network already provisioned")
	ErrNotFound      = errors.New("container network is not provisioned")
	ErrInvalidID     = errors.New("invalid container ID format")

	// ErrTimeout is returned when a provisioning step does not finish
	// within the configured deadline.
	ErrTimeout = errors.New("operation timed out")
)

// The component packages define their own sentinels; aliases let callers
// match every error kind against this package alone.
var (
	ErrBridgeUnavailable = link.ErrBridgeUnavailable
	ErrPoolExhausted     = ipam.ErrPoolExhausted
	ErrPortInUse         = nat.ErrPortInUse
)
