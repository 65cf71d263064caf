// Package registry implements the traffic-proxy registry (spec §4.11/C13):
// a service_name x token x field -> upstream host table, replaceable
// wholesale at runtime with point-in-time-consistent reads. The locking
// pattern (RWMutex-guarded map, snapshot on read) mirrors the teacher's
// ratelimit.Limiter and metrics.Collector: small critical sections, no
// lock held across I/O.
package registry

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// HostInfo is a single resolvable upstream target.
type HostInfo struct {
	Host    string `yaml:"host"`
	Service string `yaml:"service"`
}

// Addr renders the host/service pair as a dial address.
func (h HostInfo) Addr() string {
	return net.JoinHostPort(h.Host, h.Service)
}

// ServiceEntry is one service's token and its field->host table.
type ServiceEntry struct {
	Token  string              `yaml:"token"`
	Fields map[string]HostInfo `yaml:"fields"`
}

// Registry is the shared, runtime-replaceable proxy routing table.
type Registry struct {
	mu       sync.RWMutex
	services map[string]ServiceEntry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{services: make(map[string]ServiceEntry)}
}

// Lookup resolves (service, token, field) to a HostInfo. The token must
// match exactly; any mismatch or missing entry fails the lookup (spec
// §4.11: "the token must match exactly, otherwise the lookup fails").
func (r *Registry) Lookup(service, token, field string) (HostInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.services[service]
	if !ok || entry.Token != token {
		return HostInfo{}, false
	}
	host, ok := entry.Fields[field]
	return host, ok
}

// Replace installs an entirely new service table. Readers already holding
// a Lookup result are unaffected; the next Lookup sees the new table.
func (r *Registry) Replace(services map[string]ServiceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = services
}

// Snapshot returns a deep copy of the current table, the point-in-time view
// spec §4.11 requires readers to see.
func (r *Registry) Snapshot() map[string]ServiceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ServiceEntry, len(r.services))
	for name, entry := range r.services {
		fields := make(map[string]HostInfo, len(entry.Fields))
		for k, v := range entry.Fields {
			fields[k] = v
		}
		out[name] = ServiceEntry{Token: entry.Token, Fields: fields}
	}
	return out
}

// AddRoute installs or updates a single (service, field) -> host mapping
// without disturbing the rest of the table, the operation the protocol-pipe
// control plane's add_server needs (spec §4.10).
func (r *Registry) AddRoute(service, token, field string, host HostInfo) error {
	if service == "" || field == "" {
		return fmt.Errorf("registry: service and field are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.services[service]
	if !ok {
		entry = ServiceEntry{Token: token, Fields: make(map[string]HostInfo)}
	} else if token != "" {
		entry.Token = token
	}
	if entry.Fields == nil {
		entry.Fields = make(map[string]HostInfo)
	}
	entry.Fields[field] = host
	r.services[service] = entry
	return nil
}

// ParsePort converts a port string, such as HostInfo.Service, to its
// numeric value (Stratum/RPC addresses are usually "host:port" strings at
// the config layer).
func ParsePort(s string) (int, error) {
	return strconv.Atoi(s)
}
