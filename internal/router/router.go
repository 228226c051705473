// Package router resolves a request path to a logical service name using
// longest-prefix matching with a lexicographic tie-break, and an atomic
// reload so the route table can be updated without downtime.
package router

import (
	"sort"
	"sync/atomic"
)

// Route maps one path prefix to a logical service name.
type Route struct {
	Prefix  string
	Service string
}

type table struct {
	routes []Route // sorted longest-prefix first, then lexicographic
}

// Router resolves paths to service names. Safe for concurrent use; Reload
// swaps the whole table atomically.
type Router struct {
	tbl atomic.Value // *table
}

// New builds a Router from an initial set of routes.
func New(routes []Route) *Router {
	r := &Router{}
	r.Reload(routes)
	return r
}

// Reload atomically replaces the route table.
func (r *Router) Reload(routes []Route) {
	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i].Prefix) != len(sorted[j].Prefix) {
			return len(sorted[i].Prefix) > len(sorted[j].Prefix)
		}
		return sorted[i].Prefix < sorted[j].Prefix
	})
	r.tbl.Store(&table{routes: sorted})
}

// Resolve returns the service name and matched prefix for path, or ok=false
// if no route matches.
func (r *Router) Resolve(path string) (service, prefix string, ok bool) {
	t, _ := r.tbl.Load().(*table)
	if t == nil {
		return "", "", false
	}
	for _, route := range t.routes {
		if hasPrefix(path, route.Prefix) {
			return route.Service, route.Prefix, true
		}
	}
	return "", "", false
}

func hasPrefix(path, prefix string) bool {
	if len(path) < len(prefix) {
		return false
	}
	return path[:len(prefix)] == prefix
}

// Routes returns a snapshot of the current table, for the admin surface.
func (r *Router) Routes() []Route {
	t, _ := r.tbl.Load().(*table)
	if t == nil {
		return nil
	}
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}
