package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/procyon/model"
)

// snapshot is an immutable collection of all template graphs indexed by
// organization and template ID.
type snapshot struct {
	graphs   map[string]*model.Graph
	checksum string
}

func graphKey(orgID, templateID string) string {
	return orgID + "/" + templateID
}

// Registry is a read-optimized, thread-safe store of all loaded template
// graphs. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given loaded templates.
func NewRegistry(templates []LoadedTemplate) *Registry {
	r := &Registry{}
	r.Replace(templates)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given templates.
func (r *Registry) Replace(templates []LoadedTemplate) {
	s := &snapshot{
		graphs: make(map[string]*model.Graph, len(templates)),
	}

	var checksumParts []string
	for i := range templates {
		tpl := &templates[i]
		g := tpl.Graph
		s.graphs[graphKey(g.Template.OrgID, g.Template.ID)] = &g
		checksumParts = append(checksumParts, tpl.Checksum)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetGraph returns the template graph for the given organization and
// template ID.
func (r *Registry) GetGraph(orgID, templateID string) (*model.Graph, bool) {
	g, ok := r.current().graphs[graphKey(orgID, templateID)]
	return g, ok
}

// AllGraphs returns all loaded template graphs.
func (r *Registry) AllGraphs() []*model.Graph {
	s := r.current()
	graphs := make([]*model.Graph, 0, len(s.graphs))
	for _, g := range s.graphs {
		graphs = append(graphs, g)
	}
	return graphs
}

// Count returns the number of loaded templates.
func (r *Registry) Count() int {
	return len(r.current().graphs)
}

// Checksum returns the combined checksum of all loaded templates.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
