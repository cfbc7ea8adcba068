// Package devicestore persists the mapping from device id to paired-device
// record. Loads are synchronous at startup; writes are atomic
// (write-to-temp, fsync, rename) with owner-only permissions.
package devicestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Device is a paired-device record.
type Device struct {
	DeviceID     string    `yaml:"device_id"`
	DisplayName  string    `yaml:"display_name"`
	MasterSecret []byte    `yaml:"master_secret"`
	PairedAt     time.Time `yaml:"paired_at"`
	LastSeen     time.Time `yaml:"last_seen"`
}

type fileFormat struct {
	Devices map[string]Device `yaml:"devices"`
}

// Store is a persistent, in-memory-cached device table. All public methods
// are safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	path    string
	devices map[string]Device
}

// Open loads the store synchronously from path, creating an empty one if
// the file does not yet exist.
func Open(path string) (*Store, error) {
	s := &Store{path: path, devices: make(map[string]Device)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read device store: %w", err)
	}
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("parse device store: %w", err)
	}
	if ff.Devices == nil {
		ff.Devices = make(map[string]Device)
	}
	s.devices = ff.Devices
	return nil
}

// Reload re-reads the store from disk, discarding any in-memory state.
// Used when an external process (e.g. a separate `ras unpair` CLI
// invocation) edits the file while the daemon is running.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Get looks up a device by id. O(1).
func (s *Store) Get(deviceID string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	return d, ok
}

// AddDevice inserts or replaces a paired-device record and persists it.
func (s *Store) AddDevice(deviceID, displayName string, masterSecret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	existing, ok := s.devices[deviceID]
	pairedAt := now
	if ok {
		pairedAt = existing.PairedAt
	}
	s.devices[deviceID] = Device{
		DeviceID:     deviceID,
		DisplayName:  displayName,
		MasterSecret: append([]byte(nil), masterSecret...),
		PairedAt:     pairedAt,
		LastSeen:     now,
	}
	return s.persistLocked()
}

// Touch updates last_seen for deviceID and persists.
func (s *Store) Touch(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return fmt.Errorf("touch: unknown device %q", deviceID)
	}
	d.LastSeen = time.Now()
	s.devices[deviceID] = d
	return s.persistLocked()
}

// Remove deletes a device record (explicit unpair) and persists.
func (s *Store) Remove(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, deviceID)
	return s.persistLocked()
}

// List returns a snapshot of all paired devices.
func (s *Store) List() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

// persistLocked writes the store atomically: serialize, write to a temp
// file in the same directory, fsync, then rename over the destination.
// Caller must hold s.mu.
func (s *Store) persistLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create device store dir: %w", err)
	}
	data, err := yaml.Marshal(fileFormat{Devices: s.devices})
	if err != nil {
		return fmt.Errorf("marshal device store: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".devices-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp device store: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp device store: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp device store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp device store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp device store: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename device store: %w", err)
	}
	return nil
}
