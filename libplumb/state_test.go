package libplumb

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/netplumb/netplumb/libplumb/link"
)

func testStateProvisioner(t *testing.T) *Provisioner {
	t.Helper()
	return &Provisioner{config: Config{Root: t.TempDir()}}
}

func TestStateRoundTrip(t *testing.T) {
	p := testStateProvisioner(t)
	want := &State{
		ID:            "web",
		Bridge:        "plumb0",
		Address:       "172.30.0.2/24",
		Gateway:       "172.30.0.1",
		NamespacePath: "/run/netplumb/ns/web",
		Wire:          link.Wire{HostName: "vp-abc", PeerName: "eth0", Bridge: "plumb0"},
		Ports:         []PortMapping{{Protocol: "tcp", HostPort: 8080, ContainerPort: 80}},
		Created:       time.Now().UTC().Truncate(time.Second),
	}
	if err := p.saveState(want); err != nil {
		t.Fatal(err)
	}
	got, err := p.loadState("web")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != want.ID || got.Address != want.Address || got.Wire != want.Wire {
		t.Errorf("loaded state %+v, want %+v", got, want)
	}
	if len(got.Ports) != 1 || got.Ports[0] != want.Ports[0] {
		t.Errorf("loaded ports %v, want %v", got.Ports, want.Ports)
	}
}

func TestStateNotFound(t *testing.T) {
	p := testStateProvisioner(t)
	if _, err := p.loadState("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStateRejectsTraversalID(t *testing.T) {
	p := testStateProvisioner(t)
	if _, err := p.State("../../etc/passwd"); !errors.Is(err, ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
}

func TestStateDirStaysUnderRoot(t *testing.T) {
	p := testStateProvisioner(t)
	// stateDir is the last line of defense when validation is bypassed.
	dir, err := p.stateDir("../../escape")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(dir, p.config.Root+string(os.PathSeparator)) && dir != p.config.Root {
		t.Errorf("state dir %q escapes root %q", dir, p.config.Root)
	}
}

func TestRemoveStateIdempotent(t *testing.T) {
	p := testStateProvisioner(t)
	if err := p.saveState(&State{ID: "web"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := p.removeState("web"); err != nil {
			t.Fatalf("removeState call %d: %v", i+1, err)
		}
	}
}

func TestListSkipsCorruptRecords(t *testing.T) {
	p := testStateProvisioner(t)
	if err := p.saveState(&State{ID: "good"}); err != nil {
		t.Fatal(err)
	}
	badDir := filepath.Join(p.config.Root, "bad")
	if err := os.MkdirAll(badDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(badDir, stateFilename), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	states, err := p.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || states[0].ID != "good" {
		t.Errorf("unexpected states: %+v", states)
	}
}
