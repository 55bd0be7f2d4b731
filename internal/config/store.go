package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"
)

// DefaultDir is the default config store location.
const DefaultDir = "/etc/vortexl2"

// ErrNotFound is returned when a tunnel record does not exist.
var ErrNotFound = errors.New("tunnel not found")

// Store persists tunnel and forward-rule records as one TOML file per
// tunnel under <dir>/tunnels, plus host defaults in <dir>/config.toml.
// It is the single source of truth across restarts.
//
// Mutations are serialized by an exclusive flock on <dir>/.lock held for
// the duration of the call, so two concurrent CLI invocations cannot
// interleave a read-validate-write cycle. Every write goes to a temp file
// in the target directory and is renamed into place, so a crash mid-write
// never leaves a partially-written record.
type Store struct {
	dir string
	log *slog.Logger
}

// NewStore creates a store rooted at dir, creating the directory layout
// if needed. Directories are 0700, records 0600.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dir, "tunnels"), 0700); err != nil {
		return nil, storeErr("mkdir", dir, err)
	}
	return &Store{dir: dir, log: logger.With("component", "store")}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// TunnelsDir returns the directory holding per-tunnel records. The forward
// daemon watches this directory for rule-set changes.
func (s *Store) TunnelsDir() string { return filepath.Join(s.dir, "tunnels") }

func (s *Store) tunnelPath(id string) string {
	return filepath.Join(s.dir, "tunnels", id+".toml")
}

// ListTunnels returns all tunnel records sorted by ID.
func (s *Store) ListTunnels() ([]Tunnel, error) {
	entries, err := os.ReadDir(s.TunnelsDir())
	if err != nil {
		return nil, storeErr("readdir", s.TunnelsDir(), err)
	}
	var tunnels []Tunnel
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		t, err := s.readTunnel(filepath.Join(s.TunnelsDir(), e.Name()))
		if err != nil {
			return nil, err
		}
		tunnels = append(tunnels, *t)
	}
	sort.Slice(tunnels, func(i, j int) bool { return tunnels[i].ID < tunnels[j].ID })
	return tunnels, nil
}

// GetTunnel returns the record for id, or ErrNotFound.
func (s *Store) GetTunnel(id string) (*Tunnel, error) {
	t, err := s.readTunnel(s.tunnelPath(id))
	if err != nil {
		var ioErr *StoreIOError
		if errors.As(err, &ioErr) && errors.Is(ioErr.Err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return nil, err
	}
	return t, nil
}

// PutTunnel validates the record against the full record set and commits
// it atomically. On any validation failure the on-disk state is untouched.
func (s *Store) PutTunnel(t *Tunnel) error {
	if err := t.Validate(); err != nil {
		return err
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	existing, err := s.ListTunnels()
	if err != nil {
		return err
	}
	// Replace (update) or append (create), then re-check the set invariants.
	next := make([]Tunnel, 0, len(existing)+1)
	for _, e := range existing {
		if e.ID != t.ID {
			next = append(next, e)
		}
	}
	next = append(next, *t)
	if err := validateSet(next); err != nil {
		return err
	}
	return s.writeTunnel(t)
}

// DeleteTunnel removes the record for id and, because the tunnel's forward
// rules live inside its record, cascades them. Deleting a missing tunnel
// returns ErrNotFound.
func (s *Store) DeleteTunnel(id string) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	path := s.tunnelPath(id)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return storeErr("remove", path, err)
	}
	return nil
}

// AddRule appends a forward rule to the owning tunnel's record after
// validating the host-wide listener invariant.
func (s *Store) AddRule(tunnelID string, rule ForwardRule) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	t, err := s.GetTunnel(tunnelID)
	if err != nil {
		return err
	}
	rule.TunnelID = tunnelID
	if err := rule.validate(); err != nil {
		return err
	}
	t.Forwards = append(t.Forwards, rule)

	existing, err := s.ListTunnels()
	if err != nil {
		return err
	}
	for i := range existing {
		if existing[i].ID == tunnelID {
			existing[i] = *t
		}
	}
	if err := validateSet(existing); err != nil {
		return err
	}
	return s.writeTunnel(t)
}

// RemoveRule deletes the rule with the given listener key from the owning
// tunnel's record. Removing a rule that does not exist is an error so the
// caller can report it.
func (s *Store) RemoveRule(tunnelID string, listenPort int, proto Protocol) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	t, err := s.GetTunnel(tunnelID)
	if err != nil {
		return err
	}
	kept := t.Forwards[:0]
	found := false
	for _, r := range t.Forwards {
		if r.ListenPort == listenPort && r.Protocol == proto {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return validationErrorf("forward", "no rule %d/%s on tunnel %q", listenPort, proto, tunnelID)
	}
	t.Forwards = kept
	return s.writeTunnel(t)
}

// AllRules returns every forward rule across all tunnels, each tagged with
// its owning tunnel ID.
func (s *Store) AllRules() ([]ForwardRule, error) {
	tunnels, err := s.ListTunnels()
	if err != nil {
		return nil, err
	}
	var rules []ForwardRule
	for i := range tunnels {
		rules = append(rules, tunnels[i].Rules()...)
	}
	return rules, nil
}

// LoadGlobal reads host defaults from <dir>/config.toml, falling back to
// DefaultGlobal when the file does not exist.
func (s *Store) LoadGlobal() (*Global, error) {
	path := filepath.Join(s.dir, "config.toml")
	g := &Global{}
	if _, err := toml.DecodeFile(path, g); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultGlobal(), nil
		}
		return nil, storeErr("decode", path, err)
	}
	applyGlobalDefaults(g)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// SaveGlobal writes host defaults atomically.
func (s *Store) SaveGlobal(g *Global) error {
	if err := g.Validate(); err != nil {
		return err
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(g); err != nil {
		return storeErr("encode", "config.toml", err)
	}
	return s.atomicWrite(filepath.Join(s.dir, "config.toml"), buf.Bytes())
}

func (s *Store) readTunnel(path string) (*Tunnel, error) {
	t := &Tunnel{}
	if _, err := toml.DecodeFile(path, t); err != nil {
		return nil, storeErr("decode", path, err)
	}
	return t, nil
}

func (s *Store) writeTunnel(t *Tunnel) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# vortexl2 tunnel record. Managed by `vortexl2 tunnel` and `vortexl2 forward`.\n")
	if err := toml.NewEncoder(&buf).Encode(t); err != nil {
		return storeErr("encode", t.ID, err)
	}
	return s.atomicWrite(s.tunnelPath(t.ID), buf.Bytes())
}

// atomicWrite writes data to a temp file in the target directory, fsyncs,
// and renames it over path.
func (s *Store) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return storeErr("create", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return storeErr("chmod", tmpName, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return storeErr("write", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return storeErr("sync", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return storeErr("close", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return storeErr("rename", path, err)
	}
	s.log.Debug("record written", "path", path, "bytes", len(data))
	return nil
}

// lock takes the store-wide exclusive lock and returns its release func.
func (s *Store) lock() (func(), error) {
	path := filepath.Join(s.dir, ".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, storeErr("open", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, storeErr("flock", path, err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
