package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Cache persists discovered flash targets (IP, credentials, MAC) to
// disk so hiomapd can re-dial every BMC it was holding a HIOMAP session
// against immediately on restart, before the BMH API answers Scanner's
// first fetch. Without this, a restart mid-outage of the BMH API would
// leave every target's IP/credentials unknown until the API recovers.
type Cache struct {
	path string
	mu   sync.Mutex
}

func NewCache(dataDir string) *Cache {
	return &Cache{
		path: filepath.Join(dataDir, "bmh-cache.json"),
	}
}

// Load reads cached targets from disk. Returns nil map if no cache exists.
func (c *Cache) Load() map[string]*Target {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("Failed to read BMH cache: %v", err)
		}
		return nil
	}

	var targets map[string]*Target
	if err := json.Unmarshal(data, &targets); err != nil {
		log.Warnf("Failed to parse BMH cache: %v", err)
		return nil
	}

	log.Infof("Loaded %d targets from BMH cache", len(targets))
	return targets
}

// Save writes the current target map to disk atomically.
func (c *Cache) Save(targets map[string]*Target) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(targets, "", "  ")
	if err != nil {
		log.Warnf("Failed to marshal BMH cache: %v", err)
		return
	}

	// Atomic write: tmp file + rename
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Warnf("Failed to create cache dir: %v", err)
		return
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Warnf("Failed to write BMH cache tmp: %v", err)
		return
	}

	if err := os.Rename(tmp, c.path); err != nil {
		log.Warnf("Failed to rename BMH cache: %v", err)
		os.Remove(tmp)
		return
	}

	log.Debugf("Saved %d targets to BMH cache", len(targets))
}
