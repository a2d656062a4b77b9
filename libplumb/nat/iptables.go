//go:build linux

package nat

import (
	"fmt"

	"github.com/coreos/go-iptables/iptables"
)

// New returns a RuleManager driving the kernel's IPv4 nat table.
func New() (*Manager, error) {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("iptables: %w", err)
	}
	return newManager(ipt), nil
}
