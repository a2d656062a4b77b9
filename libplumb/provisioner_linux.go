//go:build linux

package libplumb

import (
	"path/filepath"
	"strings"

	"github.com/netplumb/netplumb/libplumb/ipam"
	"github.com/netplumb/netplumb/libplumb/link"
	"github.com/netplumb/netplumb/libplumb/nat"
	"github.com/netplumb/netplumb/libplumb/netns"
)

// New builds a Provisioner backed by the kernel: namespaces bind-mounted
// under Config.NamespaceDir, veth wiring over netlink, and iptables NAT
// rules.
func New(config Config) (*Provisioner, error) {
	setDefaults(&config)
	subnet, gateway, err := parseNetwork(config)
	if err != nil {
		return nil, err
	}

	var store ipam.Store
	if config.DataDir != "" {
		store, err = ipam.NewFileStore(filepath.Join(config.DataDir, poolDirName(config.Subnet)))
		if err != nil {
			return nil, err
		}
	}
	pool, err := ipam.NewPool(subnet, gateway, store)
	if err != nil {
		return nil, err
	}
	rules, err := nat.New()
	if err != nil {
		return nil, err
	}
	return newProvisioner(config, netns.NewManager(config.NamespaceDir), link.NewWirer(), pool, rules)
}

// poolDirName turns a CIDR into a directory name, CNI host-local style.
func poolDirName(subnet string) string {
	return strings.ReplaceAll(subnet, "/", "-")
}
