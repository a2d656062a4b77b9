// Package libplumb provisions container network namespaces: it creates an
// isolated namespace per container, wires it to a host bridge with a veth
// pair, leases an address from a configured subnet, and installs the NAT
// rules for published ports and outbound traffic. Teardown releases every
// resource and treats whatever is already gone as done, so the container
// runtime driving it can retry after crashes.
package libplumb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/netplumb/netplumb/libplumb/ipam"
	"github.com/netplumb/netplumb/libplumb/link"
	"github.com/netplumb/netplumb/libplumb/nat"
	"github.com/netplumb/netplumb/libplumb/netns"
)

var idRegexp = regexp.MustCompile(`^[\w+\-\.]+$`)

// Provisioner owns all records for the containers it has wired. Component
// backends are interfaces so tests run without kernel privileges.
type Provisioner struct {
	config Config

	namespaces netns.Manager
	wirer      link.Wirer
	pool       ipam.Allocator
	rules      nat.RuleManager

	subnet  *net.IPNet
	gateway net.IP

	// mu guards locks; each entry serializes provision/teardown per id.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newProvisioner(config Config, namespaces netns.Manager, wirer link.Wirer, pool ipam.Allocator, rules nat.RuleManager) (*Provisioner, error) {
	setDefaults(&config)
	subnet, gateway, err := parseNetwork(config)
	if err != nil {
		return nil, err
	}
	return &Provisioner{
		config:     config,
		namespaces: namespaces,
		wirer:      wirer,
		pool:       pool,
		rules:      rules,
		subnet:     subnet,
		gateway:    gateway,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

func parseNetwork(config Config) (*net.IPNet, net.IP, error) {
	_, subnet, err := net.ParseCIDR(config.Subnet)
	if err != nil {
		return nil, nil, fmt.Errorf("subnet %q: %w", config.Subnet, err)
	}
	var gateway net.IP
	if config.Gateway != "" {
		gateway = net.ParseIP(config.Gateway)
		if gateway == nil {
			return nil, nil, fmt.Errorf("invalid gateway %q", config.Gateway)
		}
		if !subnet.Contains(gateway) {
			return nil, nil, fmt.Errorf("gateway %s is not in subnet %s", gateway, subnet)
		}
	}
	return subnet, gateway, nil
}

// Provision wires a container into host networking. On failure every step
// already applied is rolled back, so a failed call leaves no trace beyond
// log lines.
func (p *Provisioner) Provision(ctx context.Context, req Request) (result *Result, err error) {
	if !idRegexp.MatchString(req.ID) {
		return nil, fmt.Errorf("%q: %w", req.ID, ErrInvalidID)
	}
	if req.Bridge == "" {
		return nil, fmt.Errorf("no bridge specified: %w", link.ErrBridgeUnavailable)
	}
	if err := validatePorts(req.Ports); err != nil {
		return nil, err
	}

	unlock := p.lockID(req.ID)
	defer unlock()

	if _, err := p.loadState(req.ID); err == nil {
		return nil, fmt.Errorf("container %s: %w", req.ID, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Ports published by earlier invocations live only in persisted state;
	// replay it so PublishPort sees their owners.
	p.restoreRules()

	ctx, cancel := context.WithTimeout(ctx, p.config.OpTimeout)
	defer cancel()

	log := logrus.WithField("container", req.ID)

	var rollback []func()
	defer func() {
		if err == nil {
			return
		}
		// Rollback failures are logged, not escalated; the caller retries
		// the whole provision and teardown tolerates leftovers.
		for i := len(rollback) - 1; i >= 0; i-- {
			rollback[i]()
		}
	}()

	ns, err := p.namespaces.Create(ctx, req.ID)
	if err != nil {
		return nil, mapErr("create namespace", err)
	}
	rollback = append(rollback, func() {
		if err := p.namespaces.Destroy(context.Background(), req.ID); err != nil {
			log.WithError(err).Warn("rollback: destroy namespace")
		}
	})
	log.Debugf("created namespace %s", ns.Path)

	lease, err := p.pool.Allocate(req.ID)
	if err != nil {
		return nil, mapErr("allocate address", err)
	}
	rollback = append(rollback, func() {
		if err := p.pool.Release(lease.IP); err != nil {
			log.WithError(err).Warn("rollback: release address")
		}
	})
	log.Debugf("leased %s", lease.IP)

	gateway := p.gateway
	if gateway == nil {
		gateway = firstAddress(p.subnet)
	}
	wire, err := p.wirer.Attach(ctx, link.WireRequest{
		ContainerID:   req.ID,
		Bridge:        req.Bridge,
		NamespacePath: ns.Path,
		Address:       &net.IPNet{IP: lease.IP, Mask: p.subnet.Mask},
		Gateway:       gateway,
		MTU:           p.config.MTU,
		TxQueueLen:    p.config.TxQueueLen,
	})
	if err != nil {
		return nil, mapErr("wire namespace", err)
	}
	rollback = append(rollback, func() {
		if err := p.wirer.Detach(context.Background(), *wire); err != nil {
			log.WithError(err).Warn("rollback: detach veth")
		}
	})
	log.Debugf("attached %s to bridge %s", wire.HostName, req.Bridge)

	// One rollback entry covers however many rules get installed below.
	rollback = append(rollback, func() {
		if err := p.rules.Teardown(context.Background(), req.ID); err != nil {
			log.WithError(err).Warn("rollback: remove nat rules")
		}
	})
	for _, pm := range req.Ports {
		mapping := nat.Mapping{
			Protocol:      pm.Protocol,
			HostPort:      pm.HostPort,
			ContainerIP:   lease.IP.String(),
			ContainerPort: pm.ContainerPort,
		}
		if err = p.rules.PublishPort(ctx, req.ID, mapping); err != nil {
			return nil, mapErr("publish port", err)
		}
		log.Debugf("published %s port %d -> %s:%d", pm.Protocol, pm.HostPort, lease.IP, pm.ContainerPort)
	}
	if err = p.rules.EnableOutbound(ctx, req.ID, p.subnet, req.Bridge); err != nil {
		return nil, mapErr("enable outbound", err)
	}

	address := (&net.IPNet{IP: lease.IP, Mask: p.subnet.Mask}).String()
	state := &State{
		ID:            req.ID,
		Bridge:        req.Bridge,
		Address:       address,
		Gateway:       gateway.String(),
		NamespacePath: ns.Path,
		Wire:          *wire,
		Ports:         req.Ports,
		Created:       ns.Created,
	}
	if err = p.saveState(state); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}

	log.Infof("provisioned %s on %s", address, req.Bridge)
	return &Result{
		ID:            req.ID,
		Address:       address,
		Gateway:       gateway.String(),
		HostVeth:      wire.HostName,
		NamespacePath: ns.Path,
		Ports:         req.Ports,
	}, nil
}

// Teardown releases everything held for a container. Resources that are
// already gone are treated as released; state is kept until every step
// succeeds so a failed teardown can be retried.
func (p *Provisioner) Teardown(ctx context.Context, id string) error {
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("%q: %w", id, ErrInvalidID)
	}

	unlock := p.lockID(id)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, p.config.OpTimeout)
	defer cancel()

	state, err := p.loadState(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// No record, but a crash between steps can still strand
			// kernel objects; sweep them by derived name.
			return p.sweep(ctx, id)
		}
		return err
	}

	// After a restart the rule manager starts empty while the kernel rules
	// persist; rebuild ownership for every recorded container so shared
	// rule refcounts are correct.
	p.restoreRules()

	log := logrus.WithField("container", id)

	var errs []error
	if err := p.rules.Teardown(ctx, id); err != nil {
		errs = append(errs, mapErr("remove nat rules", err))
	}
	if err := p.wirer.Detach(ctx, state.Wire); err != nil {
		errs = append(errs, mapErr("detach veth", err))
	}
	if ip, _, err := net.ParseCIDR(state.Address); err == nil {
		if err := p.pool.Release(ip); err != nil {
			errs = append(errs, mapErr("release address", err))
		}
	}
	if err := p.namespaces.Destroy(ctx, id); err != nil {
		errs = append(errs, mapErr("destroy namespace", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if err := p.removeState(id); err != nil {
		return err
	}
	log.Info("torn down")
	return nil
}

// sweep is a best-effort teardown for containers without a state record.
func (p *Provisioner) sweep(ctx context.Context, id string) error {
	var errs []error
	if err := p.rules.Teardown(ctx, id); err != nil {
		errs = append(errs, mapErr("remove nat rules", err))
	}
	if err := p.wirer.Detach(ctx, link.Wire{HostName: link.HostVethName(id)}); err != nil {
		errs = append(errs, mapErr("detach veth", err))
	}
	if err := p.namespaces.Destroy(ctx, id); err != nil {
		errs = append(errs, mapErr("destroy namespace", err))
	}
	return errors.Join(errs...)
}

// restoreRules re-registers NAT ownership from persisted state.
func (p *Provisioner) restoreRules() {
	states, err := p.List()
	if err != nil {
		logrus.WithError(err).Warn("restore nat ownership")
		return
	}
	for _, s := range states {
		ip, _, err := net.ParseCIDR(s.Address)
		if err != nil {
			continue
		}
		mappings := make([]nat.Mapping, 0, len(s.Ports))
		for _, pm := range s.Ports {
			mappings = append(mappings, nat.Mapping{
				Protocol:      pm.Protocol,
				HostPort:      pm.HostPort,
				ContainerIP:   ip.String(),
				ContainerPort: pm.ContainerPort,
			})
		}
		p.rules.Restore(s.ID, mappings, p.subnet, s.Bridge)
	}
}

// lockID serializes provision and teardown for one container id. Entries
// are never removed; the map is bounded by the number of distinct ids a
// process touches.
func (p *Provisioner) lockID(id string) func() {
	p.mu.Lock()
	l, ok := p.locks[id]
	if !ok {
		l = new(sync.Mutex)
		p.locks[id] = l
	}
	p.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// mapErr labels a step error and converts context expiry into ErrTimeout.
func mapErr(step string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", step, ErrTimeout)
	}
	if errors.Is(err, netns.ErrExist) {
		return fmt.Errorf("%s: %w", step, ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", step, err)
}

func validatePorts(ports []PortMapping) error {
	seen := make(map[PortMapping]bool, len(ports))
	for _, pm := range ports {
		switch pm.Protocol {
		case "tcp", "udp":
		default:
			return fmt.Errorf("unsupported protocol %q (want tcp or udp)", pm.Protocol)
		}
		if pm.HostPort < 1 || pm.HostPort > 65535 {
			return fmt.Errorf("host port %d out of range", pm.HostPort)
		}
		if pm.ContainerPort < 1 || pm.ContainerPort > 65535 {
			return fmt.Errorf("container port %d out of range", pm.ContainerPort)
		}
		key := PortMapping{Protocol: pm.Protocol, HostPort: pm.HostPort}
		if seen[key] {
			return fmt.Errorf("%s port %d requested twice: %w", pm.Protocol, pm.HostPort, nat.ErrPortInUse)
		}
		seen[key] = true
	}
	return nil
}

func firstAddress(subnet *net.IPNet) net.IP {
	ip := subnet.IP.Mask(subnet.Mask).To4()
	gw := make(net.IP, len(ip))
	copy(gw, ip)
	gw[len(gw)-1]++
	return gw
}
