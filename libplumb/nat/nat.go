// Package nat manages the iptables rules that publish container ports and
// masquerade container egress traffic.
//
// Published ports become DNAT rules in a dedicated NETPLUMB-DNAT chain of
// the nat table, reached from PREROUTING and OUTPUT. Outbound traffic is
// covered by one MASQUERADE rule per subnet in POSTROUTING, shared by all
// containers on that subnet and reference-counted so it disappears with
// the last owner.
package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrPortInUse is returned when a host port is already published for a
// different container.
var ErrPortInUse = errors.New("host port already in use")

const (
	natTable         = "nat"
	dnatChain        = "NETPLUMB-DNAT"
	preroutingChain  = "PREROUTING"
	outputChain      = "OUTPUT"
	postroutingChain = "POSTROUTING"
)

// Mapping is one published port.
type Mapping struct {
	Protocol      string `json:"protocol"`
	HostPort      int    `json:"host_port"`
	ContainerIP   string `json:"container_ip"`
	ContainerPort int    `json:"container_port"`
}

// RuleManager installs and removes NAT rules keyed by container id.
type RuleManager interface {
	// PublishPort installs a DNAT rule for the mapping. It fails with
	// ErrPortInUse when the host port and protocol are taken by another
	// container; re-publishing an identical mapping is a no-op.
	PublishPort(ctx context.Context, containerID string, m Mapping) error

	// EnableOutbound ensures the shared masquerade rule for the subnet
	// exists and records the container as an owner.
	EnableOutbound(ctx context.Context, containerID string, subnet *net.IPNet, bridge string) error

	// Teardown removes the rules owned by the container. Shared rules lose
	// one reference and are only removed when no owners remain. Missing
	// rules are treated as already removed.
	Teardown(ctx context.Context, containerID string) error

	// Restore re-registers rules recorded in persisted state, so teardown
	// after a process restart removes them. It does not touch the kernel.
	Restore(containerID string, mappings []Mapping, subnet *net.IPNet, bridge string)

	// Mappings returns the ports currently published for a container,
	// sorted by host port.
	Mappings(containerID string) []Mapping
}

// firewall is the slice of go-iptables the manager needs; tests supply an
// in-memory implementation.
type firewall interface {
	ChainExists(table, chain string) (bool, error)
	NewChain(table, chain string) error
	AppendUnique(table, chain string, rulespec ...string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
	Delete(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
}

type portKey struct {
	proto    string
	hostPort int
}

type portEntry struct {
	containerID string
	mapping     Mapping
	rulespec    []string
}

type masqEntry struct {
	rulespec []string
	owners   map[string]struct{}
}

// Manager implements RuleManager over an iptables-compatible backend.
type Manager struct {
	mu    sync.Mutex
	fw    firewall
	ports map[portKey]*portEntry
	masq  map[string]*masqEntry
}

func newManager(fw firewall) *Manager {
	return &Manager{
		fw:    fw,
		ports: make(map[portKey]*portEntry),
		masq:  make(map[string]*masqEntry),
	}
}

func (m *Manager) PublishPort(ctx context.Context, containerID string, mp Mapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := portKey{proto: mp.Protocol, hostPort: mp.HostPort}
	if cur, ok := m.ports[key]; ok {
		if cur.containerID == containerID && cur.mapping == mp {
			return nil
		}
		return fmt.Errorf("%s port %d is published for container %s: %w",
			mp.Protocol, mp.HostPort, cur.containerID, ErrPortInUse)
	}
	if err := m.ensureDNATChain(); err != nil {
		return err
	}
	spec := dnatRulespec(containerID, mp)
	if err := m.fw.AppendUnique(natTable, dnatChain, spec...); err != nil {
		return fmt.Errorf("publish %s port %d: %w", mp.Protocol, mp.HostPort, err)
	}
	m.ports[key] = &portEntry{containerID: containerID, mapping: mp, rulespec: spec}
	return nil
}

func (m *Manager) EnableOutbound(ctx context.Context, containerID string, subnet *net.IPNet, bridge string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := masqKey(subnet.String(), bridge)
	if entry, ok := m.masq[key]; ok {
		entry.owners[containerID] = struct{}{}
		return nil
	}
	spec := masqRulespec(subnet.String(), bridge)
	if err := m.fw.AppendUnique(natTable, postroutingChain, spec...); err != nil {
		return fmt.Errorf("masquerade %s: %w", subnet, err)
	}
	m.masq[key] = &masqEntry{
		rulespec: spec,
		owners:   map[string]struct{}{containerID: {}},
	}
	return nil
}

func (m *Manager) Teardown(ctx context.Context, containerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for key, entry := range m.ports {
		if entry.containerID != containerID {
			continue
		}
		if err := m.deleteRule(dnatChain, entry.rulespec); err != nil {
			errs = append(errs, fmt.Errorf("unpublish %s port %d: %w", key.proto, key.hostPort, err))
			continue
		}
		delete(m.ports, key)
	}
	for key, entry := range m.masq {
		if _, ok := entry.owners[containerID]; !ok {
			continue
		}
		delete(entry.owners, containerID)
		if len(entry.owners) > 0 {
			continue
		}
		if err := m.deleteRule(postroutingChain, entry.rulespec); err != nil {
			// Keep ownership so a retry can finish the removal.
			entry.owners[containerID] = struct{}{}
			errs = append(errs, fmt.Errorf("remove masquerade %s: %w", key, err))
			continue
		}
		delete(m.masq, key)
	}
	// Rules from an invocation that crashed before recording state exist
	// only in the kernel; find them by their comment tag.
	if err := m.sweepStrayRules(containerID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// sweepStrayRules removes DNAT rules tagged with the container's comment
// that no in-memory entry tracks.
func (m *Manager) sweepStrayRules(containerID string) error {
	exists, err := m.fw.ChainExists(natTable, dnatChain)
	if err != nil {
		return fmt.Errorf("check chain %s: %w", dnatChain, err)
	}
	if !exists {
		return nil
	}
	rules, err := m.fw.List(natTable, dnatChain)
	if err != nil {
		return fmt.Errorf("list %s: %w", dnatChain, err)
	}
	tag := ruleComment(containerID)
	for _, rule := range rules {
		fields := strings.Fields(rule)
		if len(fields) < 3 || fields[0] != "-A" || fields[1] != dnatChain {
			continue
		}
		// iptables -S quotes comment values; rulespecs are unquoted.
		spec := make([]string, 0, len(fields)-2)
		for _, f := range fields[2:] {
			spec = append(spec, strings.Trim(f, `"`))
		}
		if !specHasComment(spec, tag) {
			continue
		}
		if err := m.fw.Delete(natTable, dnatChain, spec...); err != nil {
			return fmt.Errorf("remove stray rule for container %s: %w", containerID, err)
		}
	}
	return nil
}

func specHasComment(spec []string, tag string) bool {
	for i := 0; i+1 < len(spec); i++ {
		if spec[i] == "--comment" && spec[i+1] == tag {
			return true
		}
	}
	return false
}

func (m *Manager) Restore(containerID string, mappings []Mapping, subnet *net.IPNet, bridge string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mp := range mappings {
		key := portKey{proto: mp.Protocol, hostPort: mp.HostPort}
		if _, ok := m.ports[key]; ok {
			continue
		}
		m.ports[key] = &portEntry{
			containerID: containerID,
			mapping:     mp,
			rulespec:    dnatRulespec(containerID, mp),
		}
	}
	if subnet == nil {
		return
	}
	key := masqKey(subnet.String(), bridge)
	entry, ok := m.masq[key]
	if !ok {
		entry = &masqEntry{
			rulespec: masqRulespec(subnet.String(), bridge),
			owners:   make(map[string]struct{}),
		}
		m.masq[key] = entry
	}
	entry.owners[containerID] = struct{}{}
}

func (m *Manager) Mappings(containerID string) []Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Mapping
	for _, entry := range m.ports {
		if entry.containerID == containerID {
			out = append(out, entry.mapping)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostPort < out[j].HostPort })
	return out
}

// ensureDNATChain creates the NETPLUMB-DNAT chain and the jumps into it
// from PREROUTING and OUTPUT for locally destined traffic.
func (m *Manager) ensureDNATChain() error {
	exists, err := m.fw.ChainExists(natTable, dnatChain)
	if err != nil {
		return fmt.Errorf("check chain %s: %w", dnatChain, err)
	}
	if !exists {
		if err := m.fw.NewChain(natTable, dnatChain); err != nil {
			return fmt.Errorf("create chain %s: %w", dnatChain, err)
		}
	}
	jump := []string{"-m", "addrtype", "--dst-type", "LOCAL", "-j", dnatChain}
	if err := m.fw.AppendUnique(natTable, preroutingChain, jump...); err != nil {
		return fmt.Errorf("jump from %s: %w", preroutingChain, err)
	}
	if err := m.fw.AppendUnique(natTable, outputChain, jump...); err != nil {
		return fmt.Errorf("jump from %s: %w", outputChain, err)
	}
	return nil
}

// deleteRule removes a rule, treating an already-missing rule as success.
func (m *Manager) deleteRule(chain string, spec []string) error {
	exists, err := m.fw.Exists(natTable, chain, spec...)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return m.fw.Delete(natTable, chain, spec...)
}

func dnatRulespec(containerID string, mp Mapping) []string {
	return []string{
		"-p", mp.Protocol,
		"--dport", strconv.Itoa(mp.HostPort),
		"-m", "comment", "--comment", ruleComment(containerID),
		"-j", "DNAT",
		"--to-destination", net.JoinHostPort(mp.ContainerIP, strconv.Itoa(mp.ContainerPort)),
	}
}

func masqRulespec(subnet, bridge string) []string {
	return []string{
		"-s", subnet,
		"!", "-o", bridge,
		"-m", "comment", "--comment", "netplumb:masq",
		"-j", "MASQUERADE",
	}
}

func ruleComment(containerID string) string {
	return "netplumb:" + containerID
}

// masqKey identifies one shared masquerade rule. Subnet alone is not
// enough: the rulespec names the bridge, so the same subnet behind two
// bridges is two distinct kernel rules.
func masqKey(subnet, bridge string) string {
	return subnet + "|" + bridge
}
