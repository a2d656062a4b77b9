package ipam

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexflint/go-filemutex"
)

// Store persists leases so that concurrent provisioner processes sharing a
// subnet cannot double-allocate an address.
type Store interface {
	Lock() error
	Unlock() error

	// Reserve records a lease. It returns false without error when the
	// address is already taken.
	Reserve(containerID string, ip net.IP) (bool, error)

	// Release removes a lease record; a missing record is not an error.
	Release(ip net.IP) error

	// Leases returns the recorded leases as address -> container id.
	Leases() (map[string]string, error)

	Close() error
}

// FileStore keeps one file per leased address in a directory, named by the
// address and containing the owning container id. A flock-based mutex
// serializes access across processes.
type FileStore struct {
	dir  string
	lock *filemutex.FileMutex
}

const lockFileName = "lock"

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lock, err := filemutex.New(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("open pool lock: %w", err)
	}
	return &FileStore{dir: dir, lock: lock}, nil
}

func (s *FileStore) Lock() error   { return s.lock.Lock() }
func (s *FileStore) Unlock() error { return s.lock.Unlock() }

func (s *FileStore) Reserve(containerID string, ip net.IP) (bool, error) {
	f, err := os.OpenFile(filepath.Join(s.dir, ip.String()), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := f.WriteString(containerID); err != nil {
		f.Close()
		os.Remove(f.Name())
		return false, err
	}
	return true, f.Close()
}

func (s *FileStore) Release(ip net.IP) error {
	if err := os.Remove(filepath.Join(s.dir, ip.String())); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) Leases() (map[string]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	leases := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || net.ParseIP(entry.Name()) == nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		leases[entry.Name()] = strings.TrimSpace(string(data))
	}
	return leases, nil
}

func (s *FileStore) Close() error { return s.lock.Close() }
