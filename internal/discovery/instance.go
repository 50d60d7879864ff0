package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// Instance describes a running relay so surrounding tooling can find
// it: which port to hand to subprocesses and which process owns it.
type Instance struct {
	ID        string    `json:"id"`
	Directory string    `json:"directory"`
	Port      int       `json:"port"`
	Framing   string    `json:"framing"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	LastPing  time.Time `json:"last_ping"`
}

// DefaultInstancesDir returns where instance files live.
func DefaultInstancesDir() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "testrelay", "instances")
	}
	return filepath.Join(os.TempDir(), "testrelay", "instances")
}

// Registrar performs locked, atomic instance-file operations so
// concurrently starting relays never observe torn writes.
type Registrar struct {
	instancesDir string
	lockTimeout  time.Duration
}

func NewRegistrar(instancesDir string) *Registrar {
	if instancesDir == "" {
		instancesDir = DefaultInstancesDir()
	}
	return &Registrar{
		instancesDir: instancesDir,
		lockTimeout:  5 * time.Second,
	}
}

// Register writes the instance file atomically under the directory lock.
func (r *Registrar) Register(instance *Instance) error {
	if instance == nil || instance.ID == "" {
		return fmt.Errorf("instance requires an ID")
	}
	return r.withLock(func() error {
		return r.writeInstance(instance)
	})
}

// Unregister removes an instance file. Idempotent.
func (r *Registrar) Unregister(instanceID string) error {
	return r.withLock(func() error {
		path := filepath.Join(r.instancesDir, instanceID+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove instance file: %w", err)
		}
		return nil
	})
}

// Ping refreshes the instance's last_ping timestamp.
func (r *Registrar) Ping(instanceID string) error {
	return r.withLock(func() error {
		path := filepath.Join(r.instancesDir, instanceID+".json")
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read instance file: %w", err)
		}

		var instance Instance
		if err := json.Unmarshal(data, &instance); err != nil {
			return fmt.Errorf("failed to unmarshal instance data: %w", err)
		}

		instance.LastPing = time.Now()
		return r.writeInstance(&instance)
	})
}

// List returns the currently registered instances.
func (r *Registrar) List() (map[string]*Instance, error) {
	var instances map[string]*Instance
	err := r.withLock(func() error {
		var listErr error
		instances, listErr = readInstancesDir(r.instancesDir)
		return listErr
	})
	return instances, err
}

// withLock runs fn while holding the directory's exclusive file lock.
func (r *Registrar) withLock(fn func() error) error {
	if err := os.MkdirAll(r.instancesDir, 0755); err != nil {
		return fmt.Errorf("failed to create instances directory: %w", err)
	}

	fileLock := flock.New(filepath.Join(r.instancesDir, ".discovery.lock"))

	ctx, cancel := context.WithTimeout(context.Background(), r.lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock within %v", r.lockTimeout)
	}
	defer fileLock.Unlock()

	return fn()
}

// writeInstance writes atomically via temp file + rename. Must be
// called with the lock held.
func (r *Registrar) writeInstance(instance *Instance) error {
	data, err := json.MarshalIndent(instance, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance data: %w", err)
	}

	finalPath := filepath.Join(r.instancesDir, instance.ID+".json")
	tempFile, err := os.CreateTemp(r.instancesDir, ".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tempPath, 0644); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func readInstancesDir(dir string) (map[string]*Instance, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Instance{}, nil
		}
		return nil, fmt.Errorf("failed to read instances directory: %w", err)
	}

	instances := make(map[string]*Instance)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue // racing with an unregister
		}

		var instance Instance
		if err := json.Unmarshal(data, &instance); err != nil {
			continue // torn or foreign file, skip
		}
		if instance.ID == "" {
			continue
		}
		instances[instance.ID] = &instance
	}

	return instances, nil
}
