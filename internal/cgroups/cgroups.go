package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultRoot is the unified cgroup v2 mount point
const DefaultRoot = "/sys/fs/cgroup"

// Limits are written to a stage's cgroup before the process joins it.
// Zero values leave the controller untouched.
type Limits struct {
	CPUMax    string // "quota period" or "max"
	CPUWeight int    // 1-10000
	MemoryMax int64  // bytes
}

// IsZero reports whether no limit is set
func (l Limits) IsZero() bool {
	return l.CPUMax == "" && l.CPUWeight == 0 && l.MemoryMax == 0
}

func (l Limits) validate() error {
	if l.CPUWeight < 0 || l.CPUWeight > 10000 {
		return fmt.Errorf("invalid cpu weight: %d (must be 1-10000)", l.CPUWeight)
	}
	if l.MemoryMax < 0 {
		return fmt.Errorf("invalid memory limit: %d", l.MemoryMax)
	}
	return nil
}

// Manager creates one cgroup per stage process under <root>/<parent>.
// Only cgroup v2 is supported; on other hosts every call is a no-op.
type Manager struct {
	root   string
	parent string
	v2     bool
}

// NewManager creates a manager rooted at root (DefaultRoot when empty)
func NewManager(root, parent string) *Manager {
	if root == "" {
		root = DefaultRoot
	}
	if parent == "" {
		parent = "dreamgen"
	}
	_, err := os.Stat(filepath.Join(root, "cgroup.controllers"))
	return &Manager{root: root, parent: parent, v2: err == nil}
}

// Supported reports whether the host exposes cgroup v2 at root
func (m *Manager) Supported() bool {
	return m.v2
}

// Create makes the cgroup for name and writes limits into it. An empty
// path with a nil error means cgroups are unavailable to this process and
// the stage should run unconfined.
func (m *Manager) Create(name string, limits Limits) (string, error) {
	if !m.v2 {
		return "", nil
	}
	if err := limits.validate(); err != nil {
		return "", err
	}
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid cgroup name %q", name)
	}

	path := filepath.Join(m.root, m.parent, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return "", nil
		}
		return "", err
	}

	if limits.CPUMax != "" {
		if err := writeFile(path, "cpu.max", limits.CPUMax); err != nil {
			return path, err
		}
	}
	if limits.CPUWeight > 0 {
		if err := writeFile(path, "cpu.weight", strconv.Itoa(limits.CPUWeight)); err != nil {
			return path, err
		}
	}
	if limits.MemoryMax > 0 {
		if err := writeFile(path, "memory.max", strconv.FormatInt(limits.MemoryMax, 10)); err != nil {
			return path, err
		}
	}
	return path, nil
}

// Join moves pid into the cgroup at path
func (m *Manager) Join(path string, pid int) error {
	if path == "" {
		return nil
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	return writeFile(path, "cgroup.procs", strconv.Itoa(pid))
}

// Delete removes the cgroup at path. The kernel refuses while processes
// remain in it.
func (m *Manager) Delete(path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}

func writeFile(dir, name, value string) error {
	if err := os.WriteFile(filepath.Join(dir, name), []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
