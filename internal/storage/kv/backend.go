package kv

import (
	"fmt"
	"sync"
)

// BackendFactory opens a backend rooted at path.
type BackendFactory func(path string) (DB, error)

var (
	backendMu        sync.RWMutex
	backendFactories = make(map[string]BackendFactory)
)

// RegisterBackend registers a backend factory with the given name.
// Backend subpackages call this from init.
func RegisterBackend(name string, factory BackendFactory) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backendFactories[name] = factory
}

// Open creates a backend instance for the given name and path.
func Open(name, path string) (DB, error) {
	backendMu.RLock()
	factory, ok := backendFactories[name]
	backendMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown kv backend: %s", name)
	}
	return factory(path)
}

// AvailableBackends returns the registered backend names.
func AvailableBackends() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()

	names := make([]string, 0, len(backendFactories))
	for name := range backendFactories {
		names = append(names, name)
	}
	return names
}

// IsBackendAvailable checks if a backend with the given name is registered.
func IsBackendAvailable(name string) bool {
	backendMu.RLock()
	_, ok := backendFactories[name]
	backendMu.RUnlock()
	return ok
}
