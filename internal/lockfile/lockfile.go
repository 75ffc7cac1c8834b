// Package lockfile persists the descriptor that tells clients where the
// running server listens. The descriptor file is the only liveness signal
// shared between the server and its clients.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

var (
	// ErrNotFound means no usable descriptor exists (absent, empty, or unparsable).
	ErrNotFound = errors.New("instance descriptor not found")
	// ErrAlreadyRunning means a live process other than the caller owns the descriptor.
	ErrAlreadyRunning = errors.New("server already running")
	// ErrStale means the descriptor names a process that no longer exists.
	ErrStale = errors.New("stale instance descriptor")
)

var aliveFn = processAlive

// Descriptor identifies a running server instance.
type Descriptor struct {
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	Address    string    `json:"address,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitzero"`
}

// NewDescriptor builds a descriptor for the current listener.
func NewDescriptor(pid int, addr net.Addr) Descriptor {
	d := Descriptor{
		PID:        pid,
		InstanceID: uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
	}
	if addr != nil {
		d.Address = addr.String()
		if tcp, ok := addr.(*net.TCPAddr); ok {
			d.Port = tcp.Port
		}
	}
	return d
}

// Addr returns the dialable address. Descriptors written by older servers only
// carry a port, which is always bound on the loopback interface.
func (d Descriptor) Addr() string {
	if d.Address != "" {
		return d.Address
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(d.Port))
}

// DescriptorError pairs a lock store failure with the descriptor that caused it.
type DescriptorError struct {
	Err        error
	Descriptor Descriptor
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("%v (pid %d, port %d)", e.Err, e.Descriptor.PID, e.Descriptor.Port)
}

func (e *DescriptorError) Unwrap() error { return e.Err }

// Store reads and writes the descriptor file at a fixed path.
type Store struct {
	path string
}

// New returns a Store backed by path.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the descriptor file location.
func (s *Store) Path() string { return s.path }

// Acquire publishes d unless another live process already owns the descriptor.
func (s *Store) Acquire(d Descriptor) error {
	if d.PID <= 0 {
		return fmt.Errorf("invalid descriptor pid %d", d.PID)
	}

	unlock, err := s.guard()
	if err != nil {
		return err
	}
	defer unlock() //nolint:errcheck

	cur, err := s.Read()
	switch {
	case err == nil:
		if cur.PID != d.PID && aliveFn(cur.PID) {
			return &DescriptorError{Err: ErrAlreadyRunning, Descriptor: cur}
		}
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}

	return s.write(d)
}

// Read returns the stored descriptor without checking liveness.
func (s *Store) Read() (Descriptor, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Descriptor{}, ErrNotFound
		}
		return Descriptor{}, fmt.Errorf("reading %s: %w", s.path, err)
	}

	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil || d.PID <= 0 {
		return Descriptor{}, ErrNotFound
	}
	return d, nil
}

// Live returns the descriptor only if its process is still alive.
func (s *Store) Live() (Descriptor, error) {
	d, err := s.Read()
	if err != nil {
		return Descriptor{}, err
	}
	if !aliveFn(d.PID) {
		return d, &DescriptorError{Err: ErrStale, Descriptor: d}
	}
	return d, nil
}

// Release removes the descriptor. A missing file is not an error.
func (s *Store) Release() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", s.path, err)
	}
	return nil
}

// ReleaseOwned removes the descriptor only if it still names pid.
func (s *Store) ReleaseOwned(pid int) error {
	unlock, err := s.guard()
	if err != nil {
		return err
	}
	defer unlock() //nolint:errcheck

	cur, err := s.Read()
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.PID != pid {
		return nil
	}
	return s.Release()
}

func (s *Store) write(d Descriptor) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding descriptor: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp descriptor: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting descriptor permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing descriptor: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing descriptor: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("publishing descriptor: %w", err)
	}
	return nil
}

// guard serializes check-then-write sequences across processes.
func (s *Store) guard() (func() error, error) {
	path := s.path + ".guard"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock guard: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	return func() error {
		unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
		closeErr := f.Close()
		if unlockErr != nil {
			return unlockErr
		}
		return closeErr
	}, nil
}

// Alive reports whether pid names a running process.
func Alive(pid int) bool {
	return aliveFn(pid)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
