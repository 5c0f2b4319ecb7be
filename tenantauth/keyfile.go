package tenantauth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// keyFile is the on-disk keyset format: base64 Ed25519 seeds indexed by kid,
// plus the kid used for signing. Replacing the file rotates keys without a
// restart.
type keyFile struct {
	Active string            `json:"active"`
	Keys   map[string]string `json:"keys"`
}

// LoadKeySetFile reads a keyset from path.
func LoadKeySetFile(path string) (*MemoryKeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyset file: %w", err)
	}
	return parseKeyFile(data)
}

func parseKeyFile(data []byte) (*MemoryKeySet, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse keyset file: %w", err)
	}
	if kf.Active == "" || len(kf.Keys) == 0 {
		return nil, fmt.Errorf("keyset file needs an active kid and at least one key")
	}
	ks := NewMemoryKeySet()
	for kid, encoded := range kf.Keys {
		seed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode key %q: %w", kid, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key %q: want %d-byte seed, got %d", kid, ed25519.SeedSize, len(seed))
		}
		ks.AddKey(kid, ed25519.NewKeyFromSeed(seed))
	}
	if err := ks.SetActive(kf.Active); err != nil {
		return nil, err
	}
	return ks, nil
}

// WatchKeySetFile loads the keyset at path and reloads it whenever the file
// changes, swapping keys in place so outstanding verifiers pick up rotations.
// The watch stops when ctx is canceled. A reload that fails to parse keeps the
// previous keys.
func WatchKeySetFile(ctx context.Context, path string, logger *slog.Logger) (*MemoryKeySet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ks, err := LoadKeySetFile(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("keyset watcher: %w", err)
	}
	// Watch the directory: editors and secret mounts typically replace the
	// file rather than writing it in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				fresh, err := LoadKeySetFile(path)
				if err != nil {
					logger.Error("keyset reload failed; keeping previous keys", "path", path, "err", err)
					continue
				}
				ks.replaceFrom(fresh)
				logger.Info("keyset reloaded", "path", path, "active_kid", ks.ActiveKID())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("keyset watcher error", "err", err)
			}
		}
	}()

	return ks, nil
}

// replaceFrom swaps m's keys and active kid with those of other.
func (m *MemoryKeySet) replaceFrom(other *MemoryKeySet) {
	other.mu.RLock()
	priv := make(map[string]ed25519.PrivateKey, len(other.privKeys))
	pub := make(map[string]ed25519.PublicKey, len(other.pubKeys))
	for k, v := range other.privKeys {
		priv[k] = v
	}
	for k, v := range other.pubKeys {
		pub[k] = v
	}
	active := other.activeKid
	other.mu.RUnlock()

	m.mu.Lock()
	m.privKeys = priv
	m.pubKeys = pub
	m.activeKid = active
	m.mu.Unlock()
}
