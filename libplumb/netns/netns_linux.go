//go:build linux

package netns

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

type linuxManager struct {
	runDir string
}

// NewManager returns a Manager that materializes namespaces under runDir.
func NewManager(runDir string) Manager {
	return &linuxManager{runDir: runDir}
}

func (m *linuxManager) path(containerID string) string {
	return filepath.Join(m.runDir, containerID)
}

func (m *linuxManager) Create(ctx context.Context, containerID string) (*Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nsPath := m.path(containerID)
	mounted, err := mountinfo.Mounted(nsPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("check mount %s: %w", nsPath, err)
	}
	if mounted {
		return nil, fmt.Errorf("namespace for container %s: %w", containerID, ErrExist)
	}
	if err := os.MkdirAll(m.runDir, 0o755); err != nil {
		return nil, err
	}
	if _, err := os.Stat(nsPath); err == nil {
		// Bind target left over from a crash; the mount itself is gone.
		logrus.Warnf("removing stale namespace file %s", nsPath)
		if err := os.Remove(nsPath); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(nsPath, os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		return nil, fmt.Errorf("create bind target: %w", err)
	}
	f.Close()

	// Namespace switching is per thread, so the unshare/mount dance runs
	// on its own locked goroutine and reports back over a channel.
	errCh := make(chan error, 1)
	go func() {
		errCh <- makeNamespace(nsPath)
	}()

	select {
	case err = <-errCh:
		if err != nil {
			os.Remove(nsPath)
			return nil, err
		}
	case <-ctx.Done():
		// The mount dance is not interruptible; wait for it in the
		// background so a late success does not leave a mount behind a
		// removed bind target.
		go func() {
			if mkErr := <-errCh; mkErr == nil {
				if err := unix.Unmount(nsPath, unix.MNT_DETACH); err != nil {
					logrus.WithError(err).Warnf("unmount abandoned namespace %s", nsPath)
					return
				}
			}
			os.Remove(nsPath)
		}()
		return nil, ctx.Err()
	}
	return &Namespace{ContainerID: containerID, Path: nsPath, Created: time.Now()}, nil
}

// makeNamespace creates a fresh network namespace, brings its loopback up,
// and pins it to nsPath with a bind mount before returning the thread to
// the original namespace.
func makeNamespace(nsPath string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return fmt.Errorf("get current namespace: %w", err)
	}
	defer origin.Close()

	handle, err := netns.New()
	if err != nil {
		return fmt.Errorf("unshare network namespace: %w", err)
	}
	defer handle.Close()
	defer netns.Set(origin) //nolint:errcheck

	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("find loopback: %w", err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("bring up loopback: %w", err)
	}

	src := fmt.Sprintf("/proc/%d/task/%d/ns/net", os.Getpid(), unix.Gettid())
	if err := unix.Mount(src, nsPath, "none", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind %s to %s: %w", src, nsPath, err)
	}
	return nil
}

func (m *linuxManager) Get(containerID string) (*Namespace, error) {
	nsPath := m.path(containerID)
	mounted, err := mountinfo.Mounted(nsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("namespace for container %s: %w", containerID, ErrNotExist)
		}
		return nil, fmt.Errorf("check mount %s: %w", nsPath, err)
	}
	if !mounted {
		return nil, fmt.Errorf("namespace for container %s: %w", containerID, ErrNotExist)
	}
	return &Namespace{ContainerID: containerID, Path: nsPath}, nil
}

func (m *linuxManager) Destroy(ctx context.Context, containerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nsPath := m.path(containerID)
	if _, err := os.Stat(nsPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	mounted, err := mountinfo.Mounted(nsPath)
	if err != nil {
		return fmt.Errorf("check mount %s: %w", nsPath, err)
	}
	if mounted {
		if err := unix.Unmount(nsPath, unix.MNT_DETACH); err != nil {
			return fmt.Errorf("unmount %s: %w", nsPath, err)
		}
	}
	if err := os.Remove(nsPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
