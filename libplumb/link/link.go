// Package link wires container network namespaces to a host bridge with
// virtual ethernet pairs.
package link

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
)

// ErrBridgeUnavailable is returned when the requested bridge device does
// not exist or is not a bridge.
var ErrBridgeUnavailable = errors.New("bridge is unavailable")

// containerIfName is the interface name every container sees. The kernel
// only requires uniqueness within a namespace.
const containerIfName = "eth0"

// WireRequest describes one attachment: a veth pair with the host end
// enslaved to Bridge and the peer configured inside the namespace at
// NamespacePath.
type WireRequest struct {
	ContainerID   string
	Bridge        string
	NamespacePath string
	Address       *net.IPNet
	Gateway       net.IP
	MTU           int
	TxQueueLen    int
}

// Wire records the interfaces created for a container. It is persisted in
// the provisioner state so teardown still works after a restart.
type Wire struct {
	HostName string `json:"host_name"`
	PeerName string `json:"peer_name"`
	Bridge   string `json:"bridge"`
}

// Wirer attaches and detaches container namespaces.
type Wirer interface {
	Attach(ctx context.Context, req WireRequest) (*Wire, error)

	// Detach removes the pair. It succeeds when the pair is already gone,
	// including when the owning namespace was destroyed first.
	Detach(ctx context.Context, w Wire) error
}

// HostVethName derives the host-side interface name for a container. The
// result is stable for a given id and fits in IFNAMSIZ-1 (15) bytes.
func HostVethName(containerID string) string {
	return "vp-" + idHash(containerID)
}

// tempPeerName is the transient name the container end carries until it is
// moved into the namespace and renamed to eth0.
func tempPeerName(containerID string) string {
	return "vq-" + idHash(containerID)
}

func idHash(containerID string) string {
	sum := sha256.Sum256([]byte(containerID))
	return hex.EncodeToString(sum[:])[:11]
}
