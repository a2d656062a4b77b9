package libplumb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/netplumb/netplumb/libplumb/ipam"
	"github.com/netplumb/netplumb/libplumb/link"
	"github.com/netplumb/netplumb/libplumb/nat"
	"github.com/netplumb/netplumb/libplumb/netns"
)

type fakeNamespaces struct {
	mu     sync.Mutex
	active map[string]bool

	failCreate  error
	blockCreate bool
}

func newFakeNamespaces() *fakeNamespaces {
	return &fakeNamespaces{active: make(map[string]bool)}
}

func (f *fakeNamespaces) Create(ctx context.Context, id string) (*netns.Namespace, error) {
	if f.blockCreate {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[id] {
		return nil, fmt.Errorf("namespace for container %s: %w", id, netns.ErrExist)
	}
	f.active[id] = true
	return &netns.Namespace{ContainerID: id, Path: "/run/test/ns/" + id, Created: time.Now()}, nil
}

func (f *fakeNamespaces) Get(id string) (*netns.Namespace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[id] {
		return nil, fmt.Errorf("namespace for container %s: %w", id, netns.ErrNotExist)
	}
	return &netns.Namespace{ContainerID: id, Path: "/run/test/ns/" + id}, nil
}

func (f *fakeNamespaces) Destroy(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, id)
	return nil
}

type fakeWirer struct {
	mu       sync.Mutex
	attached map[string]link.Wire

	failAttach error
}

func newFakeWirer() *fakeWirer {
	return &fakeWirer{attached: make(map[string]link.Wire)}
}

func (f *fakeWirer) Attach(ctx context.Context, req link.WireRequest) (*link.Wire, error) {
	if f.failAttach != nil {
		return nil, f.failAttach
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	wire := link.Wire{HostName: link.HostVethName(req.ContainerID), PeerName: "eth0", Bridge: req.Bridge}
	f.attached[wire.HostName] = wire
	return &wire, nil
}

func (f *fakeWirer) Detach(ctx context.Context, w link.Wire) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attached, w.HostName)
	return nil
}

// fakeRules tracks published ports and masquerade ownership with the same
// conflict and refcount semantics as the iptables-backed manager.
type fakeRules struct {
	mu        sync.Mutex
	ports     map[string]string             // proto/hostPort -> container id
	masqRefs  map[string]map[string]bool    // subnet -> owners
	published map[string][]nat.Mapping      // container id -> mappings

	failPublish error
}

func newFakeRules() *fakeRules {
	return &fakeRules{
		ports:     make(map[string]string),
		masqRefs:  make(map[string]map[string]bool),
		published: make(map[string][]nat.Mapping),
	}
}

func portID(proto string, hostPort int) string {
	return fmt.Sprintf("%s/%d", proto, hostPort)
}

func (f *fakeRules) PublishPort(ctx context.Context, id string, m nat.Mapping) error {
	if f.failPublish != nil {
		return f.failPublish
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := portID(m.Protocol, m.HostPort)
	if owner, ok := f.ports[key]; ok && owner != id {
		return fmt.Errorf("%s taken by %s: %w", key, owner, nat.ErrPortInUse)
	}
	f.ports[key] = id
	f.published[id] = append(f.published[id], m)
	return nil
}

func (f *fakeRules) EnableOutbound(ctx context.Context, id string, subnet *net.IPNet, bridge string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := subnet.String()
	if f.masqRefs[key] == nil {
		f.masqRefs[key] = make(map[string]bool)
	}
	f.masqRefs[key][id] = true
	return nil
}

func (f *fakeRules) Teardown(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.published[id] {
		delete(f.ports, portID(m.Protocol, m.HostPort))
	}
	delete(f.published, id)
	for key, owners := range f.masqRefs {
		delete(owners, id)
		if len(owners) == 0 {
			delete(f.masqRefs, key)
		}
	}
	return nil
}

func (f *fakeRules) Restore(id string, mappings []nat.Mapping, subnet *net.IPNet, bridge string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range mappings {
		key := portID(m.Protocol, m.HostPort)
		if _, ok := f.ports[key]; ok {
			continue
		}
		f.ports[key] = id
		f.published[id] = append(f.published[id], m)
	}
	if subnet == nil {
		return
	}
	key := subnet.String()
	if f.masqRefs[key] == nil {
		f.masqRefs[key] = make(map[string]bool)
	}
	f.masqRefs[key][id] = true
}

func (f *fakeRules) Mappings(id string) []nat.Mapping {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]nat.Mapping(nil), f.published[id]...)
}

func (f *fakeRules) masqInstalled(subnet string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.masqRefs[subnet]) > 0
}

type testEnv struct {
	p     *Provisioner
	ns    *fakeNamespaces
	wirer *fakeWirer
	rules *fakeRules
	pool  *ipam.Pool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	_, subnet, err := net.ParseCIDR("172.30.0.0/24")
	if err != nil {
		t.Fatal(err)
	}
	pool, err := ipam.NewPool(subnet, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		ns:    newFakeNamespaces(),
		wirer: newFakeWirer(),
		rules: newFakeRules(),
		pool:  pool,
	}
	env.p, err = newProvisioner(Config{
		Root:      t.TempDir(),
		Subnet:    "172.30.0.0/24",
		OpTimeout: 5 * time.Second,
	}, env.ns, env.wirer, pool, env.rules)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestProvisionThenTeardownRestoresEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := Request{
		ID:     "web",
		Bridge: "plumb0",
		Ports:  []PortMapping{{Protocol: "tcp", HostPort: 8080, ContainerPort: 80}},
	}
	result, err := env.p.Provision(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if result.Address != "172.30.0.2/24" {
		t.Errorf("address = %s, want 172.30.0.2/24", result.Address)
	}
	if result.Gateway != "172.30.0.1" {
		t.Errorf("gateway = %s, want 172.30.0.1", result.Gateway)
	}

	if err := env.p.Teardown(ctx, "web"); err != nil {
		t.Fatal(err)
	}

	// The pool is back to its pre-provisioning state: the next lease gets
	// the first usable address again.
	probe, err := env.pool.Allocate("probe")
	if err != nil {
		t.Fatal(err)
	}
	if probe.IP.String() != "172.30.0.2" {
		t.Errorf("pool not restored, next lease = %s", probe.IP)
	}
	if got := env.rules.Mappings("web"); len(got) != 0 {
		t.Errorf("nat rules remain: %v", got)
	}
	if env.rules.masqInstalled("172.30.0.0/24") {
		t.Error("masquerade rule remains with no containers")
	}
	if _, err := env.ns.Get("web"); !errors.Is(err, netns.ErrNotExist) {
		t.Error("namespace still active after teardown")
	}
	if _, err := env.p.State("web"); !errors.Is(err, ErrNotFound) {
		t.Errorf("state record remains: %v", err)
	}
}

func TestProvisionDuplicateID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := Request{ID: "web", Bridge: "plumb0"}
	if _, err := env.p.Provision(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, err := env.p.Provision(ctx, req); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestProvisionRollsBackOnWireFailure(t *testing.T) {
	env := newTestEnv(t)
	env.wirer.failAttach = errors.New("no such device")
	ctx := context.Background()

	if _, err := env.p.Provision(ctx, Request{ID: "web", Bridge: "plumb0"}); err == nil {
		t.Fatal("expected provisioning to fail")
	}

	if _, err := env.ns.Get("web"); !errors.Is(err, netns.ErrNotExist) {
		t.Error("namespace not rolled back")
	}
	if _, ok := env.pool.Lookup("web"); ok {
		t.Error("lease not rolled back")
	}
	if _, err := env.p.State("web"); !errors.Is(err, ErrNotFound) {
		t.Error("state record written despite failure")
	}
	// A retry succeeds and still gets the first address.
	env.wirer.failAttach = nil
	result, err := env.p.Provision(ctx, Request{ID: "web", Bridge: "plumb0"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Address != "172.30.0.2/24" {
		t.Errorf("retry address = %s, want 172.30.0.2/24", result.Address)
	}
}

func TestProvisionRollsBackOnPortConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ports := []PortMapping{{Protocol: "tcp", HostPort: 8080, ContainerPort: 80}}
	if _, err := env.p.Provision(ctx, Request{ID: "a", Bridge: "plumb0", Ports: ports}); err != nil {
		t.Fatal(err)
	}
	_, err := env.p.Provision(ctx, Request{ID: "b", Bridge: "plumb0", Ports: ports})
	if !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}

	if _, err := env.ns.Get("b"); !errors.Is(err, netns.ErrNotExist) {
		t.Error("failed container's namespace not rolled back")
	}
	if _, ok := env.pool.Lookup("b"); ok {
		t.Error("failed container's lease not rolled back")
	}
	// Container a is untouched.
	if got := env.rules.Mappings("a"); len(got) != 1 {
		t.Errorf("container a's rules disturbed: %v", got)
	}
}

func TestSharedMasqueradeSurvivesPeerTeardown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.p.Provision(ctx, Request{ID: "a", Bridge: "plumb0"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.p.Provision(ctx, Request{ID: "b", Bridge: "plumb0"}); err != nil {
		t.Fatal(err)
	}

	if err := env.p.Teardown(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if !env.rules.masqInstalled("172.30.0.0/24") {
		t.Error("shared masquerade rule removed while container b holds it")
	}
	if err := env.p.Teardown(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if env.rules.masqInstalled("172.30.0.0/24") {
		t.Error("shared masquerade rule not removed with its last owner")
	}
}

func TestTeardownMissingContainer(t *testing.T) {
	env := newTestEnv(t)
	if err := env.p.Teardown(context.Background(), "ghost"); err != nil {
		t.Errorf("teardown of an unknown container returned %v", err)
	}
}

func TestProvisionTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.ns.blockCreate = true
	env.p.config.OpTimeout = 50 * time.Millisecond

	_, err := env.p.Provision(context.Background(), Request{ID: "web", Bridge: "plumb0"})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestProvisionValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"traversal id", Request{ID: "../etc", Bridge: "plumb0"}, ErrInvalidID},
		{"empty id", Request{ID: "", Bridge: "plumb0"}, ErrInvalidID},
		{"no bridge", Request{ID: "web"}, ErrBridgeUnavailable},
		{
			"bad protocol",
			Request{ID: "web", Bridge: "plumb0", Ports: []PortMapping{{Protocol: "icmp", HostPort: 1, ContainerPort: 1}}},
			nil, // any error is fine, just not a provision
		},
		{
			"duplicate host port",
			Request{ID: "web", Bridge: "plumb0", Ports: []PortMapping{
				{Protocol: "tcp", HostPort: 80, ContainerPort: 80},
				{Protocol: "tcp", HostPort: 80, ContainerPort: 81},
			}},
			ErrPortInUse,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.p.Provision(ctx, tc.req)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestConcurrentProvisioningDistinctIDs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	results := make([]*Result, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := env.p.Provision(ctx, Request{ID: fmt.Sprintf("ctr-%d", i), Bridge: "plumb0"})
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			results[i] = result
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, result := range results {
		if result == nil {
			continue
		}
		if seen[result.Address] {
			t.Errorf("address %s assigned twice", result.Address)
		}
		seen[result.Address] = true
	}
}

func TestProvisionAfterRestartDetectsPortConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ports := []PortMapping{{Protocol: "tcp", HostPort: 8080, ContainerPort: 80}}
	if _, err := env.p.Provision(ctx, Request{ID: "a", Bridge: "plumb0", Ports: ports}); err != nil {
		t.Fatal(err)
	}

	// Each CLI invocation builds a fresh provisioner and rule manager, so
	// container a's rules are known only through persisted state.
	restarted, err := newProvisioner(env.p.config, env.ns, env.wirer, env.pool, newFakeRules())
	if err != nil {
		t.Fatal(err)
	}
	_, err = restarted.Provision(ctx, Request{ID: "b", Bridge: "plumb0", Ports: ports})
	if !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}

	if _, err := env.ns.Get("b"); !errors.Is(err, netns.ErrNotExist) {
		t.Error("failed container's namespace not rolled back")
	}
	if _, ok := env.pool.Lookup("b"); ok {
		t.Error("failed container's lease not rolled back")
	}
	if _, err := restarted.State("b"); !errors.Is(err, ErrNotFound) {
		t.Error("state record written despite conflict")
	}
	// A non-conflicting port still provisions in the new process.
	other := []PortMapping{{Protocol: "tcp", HostPort: 9090, ContainerPort: 80}}
	if _, err := restarted.Provision(ctx, Request{ID: "b", Bridge: "plumb0", Ports: other}); err != nil {
		t.Fatal(err)
	}
}

func TestTeardownAfterRestartUsesPersistedState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ports := []PortMapping{{Protocol: "tcp", HostPort: 8080, ContainerPort: 80}}
	if _, err := env.p.Provision(ctx, Request{ID: "web", Bridge: "plumb0", Ports: ports}); err != nil {
		t.Fatal(err)
	}

	// A new provisioner over the same root, as after a process restart.
	// The namespace fake keeps its entries to stand in for the kernel.
	restarted, err := newProvisioner(env.p.config, env.ns, env.wirer, env.pool, newFakeRules())
	if err != nil {
		t.Fatal(err)
	}
	if err := restarted.Teardown(ctx, "web"); err != nil {
		t.Fatal(err)
	}
	if _, err := restarted.State("web"); !errors.Is(err, ErrNotFound) {
		t.Error("state record survived teardown")
	}
	if _, err := env.ns.Get("web"); !errors.Is(err, netns.ErrNotExist) {
		t.Error("namespace survived teardown")
	}
}

func TestListStates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		if _, err := env.p.Provision(ctx, Request{ID: id, Bridge: "plumb0"}); err != nil {
			t.Fatal(err)
		}
	}
	states, err := env.p.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 3 {
		t.Fatalf("expected 3 states, got %d", len(states))
	}
	for i, want := range []string{"a", "b", "c"} {
		if states[i].ID != want {
			t.Errorf("states[%d].ID = %s, want %s", i, states[i].ID, want)
		}
	}

	// The namespace dir under the root must not show up as a container.
	if err := os.MkdirAll(filepath.Join(env.p.config.Root, namespaceDirName), 0o755); err != nil {
		t.Fatal(err)
	}
	states, err = env.p.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 3 {
		t.Errorf("namespace dir counted as a container, got %d states", len(states))
	}
}
