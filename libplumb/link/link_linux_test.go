//go:build linux

package link

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"

	"github.com/vishvananda/netlink"

	"github.com/netplumb/netplumb/libplumb/netns"
)

// This test creates a real bridge, namespace and veth pair, so it needs
// root.
func TestAttachDetach(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("test requires root")
	}
	ctx := context.Background()

	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: "tplumb0"}}
	if err := netlink.LinkAdd(br); err != nil {
		t.Fatalf("create bridge: %v", err)
	}
	defer netlink.LinkDel(br) //nolint:errcheck
	if err := netlink.LinkSetUp(br); err != nil {
		t.Fatal(err)
	}

	nsmgr := netns.NewManager(t.TempDir())
	ns, err := nsmgr.Create(ctx, "wire-test")
	if err != nil {
		t.Fatal(err)
	}
	defer nsmgr.Destroy(ctx, "wire-test") //nolint:errcheck

	_, subnet, err := net.ParseCIDR("10.201.77.0/24")
	if err != nil {
		t.Fatal(err)
	}
	w := NewWirer()
	wire, err := w.Attach(ctx, WireRequest{
		ContainerID:   "wire-test",
		Bridge:        "tplumb0",
		NamespacePath: ns.Path,
		Address:       &net.IPNet{IP: net.ParseIP("10.201.77.2").To4(), Mask: subnet.Mask},
		Gateway:       net.ParseIP("10.201.77.1").To4(),
	})
	if err != nil {
		t.Fatal(err)
	}

	host, err := netlink.LinkByName(wire.HostName)
	if err != nil {
		t.Fatalf("host end missing: %v", err)
	}
	if host.Attrs().MasterIndex != br.Attrs().Index {
		t.Errorf("host end not enslaved to bridge")
	}

	if err := w.Detach(ctx, *wire); err != nil {
		t.Fatal(err)
	}
	if _, err := netlink.LinkByName(wire.HostName); err == nil {
		t.Error("host end survived detach")
	}
	// Detaching again is a no-op.
	if err := w.Detach(ctx, *wire); err != nil {
		t.Errorf("second detach returned %v", err)
	}
}

func TestAttachMissingBridge(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("test requires root")
	}
	w := NewWirer()
	_, err := w.Attach(context.Background(), WireRequest{
		ContainerID:   "no-bridge",
		Bridge:        "tplumb-ghost",
		NamespacePath: "/proc/self/ns/net",
	})
	if !errors.Is(err, ErrBridgeUnavailable) {
		t.Errorf("expected ErrBridgeUnavailable, got %v", err)
	}
}
