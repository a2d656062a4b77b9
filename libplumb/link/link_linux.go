//go:build linux

package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

type linuxWirer struct{}

// NewWirer returns the netlink-backed Wirer.
func NewWirer() Wirer {
	return &linuxWirer{}
}

func (w *linuxWirer) Attach(ctx context.Context, req WireRequest) (*Wire, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	br, err := bridgeLink(req.Bridge)
	if err != nil {
		return nil, err
	}

	hostName := HostVethName(req.ContainerID)
	peerName := tempPeerName(req.ContainerID)

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{
			Name:        hostName,
			MTU:         req.MTU,
			TxQLen:      req.TxQueueLen,
			MasterIndex: br.Attrs().Index,
		},
		PeerName: peerName,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return nil, fmt.Errorf("create veth pair %s/%s: %w", hostName, peerName, err)
	}

	if err := w.configure(ctx, req, veth, peerName); err != nil {
		// The pair is removed as a unit, so a failed attach leaves nothing.
		if delErr := netlink.LinkDel(veth); delErr != nil {
			logrus.WithError(delErr).Warnf("rollback: delete veth %s", hostName)
		}
		return nil, err
	}
	return &Wire{HostName: hostName, PeerName: containerIfName, Bridge: req.Bridge}, nil
}

// configure brings the host end up, moves the peer into the namespace, and
// sets its name, address, and default route.
func (w *linuxWirer) configure(ctx context.Context, req WireRequest, veth *netlink.Veth, peerName string) error {
	if err := netlink.LinkSetUp(veth); err != nil {
		return fmt.Errorf("bring up %s: %w", veth.Name, err)
	}

	nsHandle, err := netns.GetFromPath(req.NamespacePath)
	if err != nil {
		return fmt.Errorf("open namespace %s: %w", req.NamespacePath, err)
	}
	defer nsHandle.Close()

	peer, err := netlink.LinkByName(peerName)
	if err != nil {
		return fmt.Errorf("find peer %s: %w", peerName, err)
	}
	if err := netlink.LinkSetNsFd(peer, int(nsHandle)); err != nil {
		return fmt.Errorf("move %s into namespace: %w", peerName, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	handle, err := netlink.NewHandleAt(nsHandle)
	if err != nil {
		return fmt.Errorf("netlink handle in namespace: %w", err)
	}
	defer handle.Delete()

	peer, err = handle.LinkByName(peerName)
	if err != nil {
		return fmt.Errorf("find %s in namespace: %w", peerName, err)
	}
	if err := handle.LinkSetName(peer, containerIfName); err != nil {
		return fmt.Errorf("rename %s to %s: %w", peerName, containerIfName, err)
	}
	eth0, err := handle.LinkByName(containerIfName)
	if err != nil {
		return fmt.Errorf("find %s in namespace: %w", containerIfName, err)
	}
	if err := handle.AddrAdd(eth0, &netlink.Addr{IPNet: req.Address}); err != nil {
		return fmt.Errorf("set %s address %s: %w", containerIfName, req.Address, err)
	}
	if err := handle.LinkSetUp(eth0); err != nil {
		return fmt.Errorf("bring up %s: %w", containerIfName, err)
	}
	if req.Gateway != nil {
		route := &netlink.Route{
			LinkIndex: eth0.Attrs().Index,
			Gw:        req.Gateway,
		}
		if err := handle.RouteAdd(route); err != nil {
			return fmt.Errorf("set default route via %s: %w", req.Gateway, err)
		}
	}
	return nil
}

func (w *linuxWirer) Detach(ctx context.Context, wire Wire) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, err := netlink.LinkByName(wire.HostName)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("find %s: %w", wire.HostName, err)
	}
	// Deleting the host end tears down the peer too, wherever it lives.
	if err := netlink.LinkDel(l); err != nil {
		return fmt.Errorf("delete %s: %w", wire.HostName, err)
	}
	return nil
}

func bridgeLink(name string) (netlink.Link, error) {
	if name == "" {
		return nil, fmt.Errorf("no bridge specified: %w", ErrBridgeUnavailable)
	}
	l, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("bridge %s: %w", name, ErrBridgeUnavailable)
		}
		return nil, fmt.Errorf("bridge %s: %w", name, err)
	}
	if _, ok := l.(*netlink.Bridge); !ok {
		return nil, fmt.Errorf("%s is a %s, not a bridge: %w", name, l.Type(), ErrBridgeUnavailable)
	}
	return l, nil
}
