package link

import (
	"strings"
	"testing"
)

func TestHostVethNameStable(t *testing.T) {
	a := HostVethName("container-1")
	b := HostVethName("container-1")
	if a != b {
		t.Errorf("name not stable: %q != %q", a, b)
	}
}

func TestVethNameLength(t *testing.T) {
	// IFNAMSIZ is 16 including the NUL terminator.
	for _, id := range []string{"a", "web", strings.Repeat("x", 128)} {
		for _, name := range []string{HostVethName(id), tempPeerName(id)} {
			if len(name) > 15 {
				t.Errorf("name %q for id %q exceeds 15 bytes", name, id)
			}
		}
	}
}

func TestVethNamesDiffer(t *testing.T) {
	if HostVethName("a") == HostVethName("b") {
		t.Error("different ids produced the same host name")
	}
	if HostVethName("a") == tempPeerName("a") {
		t.Error("host and peer names collide for the same id")
	}
}
