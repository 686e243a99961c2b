package jwks

import (
	"strings"
	"sync"
)

// Directory maps tenants to key-distribution base URLs.
type Directory interface {
	BaseURL(tenantID string) (string, bool)
}

// StaticDirectory is a Directory with a global default base URL and
// per-tenant overrides. It can be replaced wholesale on reload.
type StaticDirectory struct {
	mu          sync.RWMutex
	defaultBase string
	overrides   map[string]string
}

// NewStaticDirectory creates a directory. An empty defaultBase means only
// tenants with an override resolve.
func NewStaticDirectory(defaultBase string, overrides map[string]string) *StaticDirectory {
	d := &StaticDirectory{}
	d.Replace(defaultBase, overrides)
	return d
}

// Replace swaps the directory contents.
func (d *StaticDirectory) Replace(defaultBase string, overrides map[string]string) {
	copied := make(map[string]string, len(overrides))
	for tenant, base := range overrides {
		if base != "" {
			copied[tenant] = strings.TrimRight(base, "/")
		}
	}

	d.mu.Lock()
	d.defaultBase = strings.TrimRight(defaultBase, "/")
	d.overrides = copied
	d.mu.Unlock()
}

// BaseURL returns the base URL for tenantID.
func (d *StaticDirectory) BaseURL(tenantID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if base, ok := d.overrides[tenantID]; ok {
		return base, true
	}
	return d.defaultBase, d.defaultBase != ""
}
