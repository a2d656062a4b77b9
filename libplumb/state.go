package libplumb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/netplumb/netplumb/libplumb/link"
)

const stateFilename = "state.json"

// State is the persisted record of one provisioned container network. It
// is everything teardown needs, so a restarted provisioner can release
// resources applied by an earlier process.
type State struct {
	ID            string        `json:"id"`
	Bridge        string        `json:"bridge"`
	Address       string        `json:"address"`
	Gateway       string        `json:"gateway"`
	NamespacePath string        `json:"namespace_path"`
	Wire          link.Wire     `json:"wire"`
	Ports         []PortMapping `json:"ports,omitempty"`
	Created       time.Time     `json:"created"`
}

// stateDir resolves the per-container directory without letting a crafted
// id escape the root.
func (p *Provisioner) stateDir(id string) (string, error) {
	return securejoin.SecureJoin(p.config.Root, id)
}

func (p *Provisioner) saveState(s *State) error {
	dir, err := p.stateDir(s.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o711); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+stateFilename+"-")
	if err != nil {
		return err
	}
	err = json.NewEncoder(tmp).Encode(s)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, stateFilename))
}

func (p *Provisioner) loadState(id string) (*State, error) {
	dir, err := p.stateDir(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, stateFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt state for container %s: %w", id, err)
	}
	return &state, nil
}

func (p *Provisioner) removeState(id string) error {
	dir, err := p.stateDir(id)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// State returns the persisted record for a container.
func (p *Provisioner) State(id string) (*State, error) {
	if !idRegexp.MatchString(id) {
		return nil, fmt.Errorf("%q: %w", id, ErrInvalidID)
	}
	return p.loadState(id)
}

// List returns the states of all provisioned containers, sorted by id.
func (p *Provisioner) List() ([]*State, error) {
	entries, err := os.ReadDir(p.config.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var states []*State
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == namespaceDirName {
			continue
		}
		state, err := p.loadState(entry.Name())
		if err != nil {
			// Records mid-provision or mid-teardown have no state file yet.
			continue
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states, nil
}
