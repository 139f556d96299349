package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wei/elevenlabs-packages-sub002/internal/logging"
)

var log = logging.L("audio")

// Loader produces a processing module. Loaders for one name are tried in
// order until one succeeds.
type Loader func() (any, error)

// ModuleCache is a process-wide cache of processing modules keyed by logical
// name. Entries are created lazily on first Load. A failed load leaves no
// entry behind, so the next Load starts again from the first loader.
type ModuleCache struct {
	mu      sync.Mutex
	entries map[string]any
	loads   map[string]int
}

// Modules is the shared module cache used by the capture and playback stages.
var Modules = NewModuleCache()

// NewModuleCache returns an empty cache.
func NewModuleCache() *ModuleCache {
	return &ModuleCache{
		entries: make(map[string]any),
		loads:   make(map[string]int),
	}
}

// Load returns the cached module for name, running loaders on a miss.
func (c *ModuleCache) Load(name string, loaders ...Loader) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.entries[name]; ok {
		return v, nil
	}
	if len(loaders) == 0 {
		return nil, fmt.Errorf("audio: no loader for module %q", name)
	}

	var errs []error
	for i, load := range loaders {
		v, err := load()
		if err != nil {
			log.Warn("module loader failed, trying fallback", "module", name, "loader", i, "error", err)
			errs = append(errs, err)
			continue
		}
		c.entries[name] = v
		c.loads[name]++
		log.Debug("module loaded", "module", name, "loader", i)
		return v, nil
	}
	return nil, fmt.Errorf("audio: load module %q: %w", name, errors.Join(errs...))
}

// Invalidate drops the cached module for name.
func (c *ModuleCache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// Loads reports how many times name has been successfully loaded.
func (c *ModuleCache) Loads(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads[name]
}
