package capability

import (
	"sync"

	"github.com/musterhub/hub/internal/hub"
)

// BackendSnapshot is the minimal view CapabilityIndex needs of a connected
// backend to rebuild its union index: its resolved safeId, its live
// capability lists, and whether it should be excluded (disabled, or a
// self-reference per spec.md §3/§4.4).
type BackendSnapshot struct {
	Name              string
	SafeID            string
	Connected         bool
	Disabled          bool
	SelfReference     bool
	Tools             []hub.ToolDefinition
	Resources         []hub.ResourceDefinition
	ResourceTemplates []hub.ResourceTemplateDefinition
	Prompts           []hub.PromptDefinition
}

// ChangeListener is notified of kind-granular add/remove deltas (spec.md §4.4).
type ChangeListener func(kind hub.CapabilityKind, added, removed []string)

// Index is the CapabilityIndex: the authoritative map of namespaced
// capability -> (backend, original name, definition), rebuilt atomically on
// each sync so readers never observe a half-built index (spec.md §4.4,
// §5 "CapabilityIndex rebuilds are atomic w.r.t. readers").
//
// Grounded on the teacher's internal/aggregator/registry.go +
// internal/aggregator/name_tracker.go structure; the collision-suffix
// namespacing itself is new logic (see namespace.go) since the teacher's
// prefixing scheme has no collisions to resolve.
type Index struct {
	tracker *NameTracker

	mu      sync.RWMutex
	version uint64
	byKind  map[hub.CapabilityKind]map[string]hub.Capability

	listenersMu sync.Mutex
	listeners   []ChangeListener
}

func New() *Index {
	return &Index{
		tracker: NewNameTracker(),
		byKind: map[hub.CapabilityKind]map[string]hub.Capability{
			hub.KindTool:             {},
			hub.KindResource:         {},
			hub.KindResourceTemplate: {},
			hub.KindPrompt:           {},
		},
	}
}

// OnChanged registers a listener for kind-granular add/remove deltas.
func (idx *Index) OnChanged(l ChangeListener) {
	idx.listenersMu.Lock()
	defer idx.listenersMu.Unlock()
	idx.listeners = append(idx.listeners, l)
}

// Rebuild computes the union over the given backend snapshots and performs
// an atomic swap of the index. Only Connected, non-disabled, non-self-
// reference backends contribute entries (spec.md §3 invariants).
func (idx *Index) Rebuild(backends []BackendSnapshot) {
	next := map[hub.CapabilityKind]map[string]hub.Capability{
		hub.KindTool:             {},
		hub.KindResource:         {},
		hub.KindResourceTemplate: {},
		hub.KindPrompt:           {},
	}

	for _, b := range backends {
		if !b.Connected || b.Disabled || b.SelfReference {
			continue
		}
		safeID := b.SafeID
		if safeID == "" {
			safeID = idx.tracker.SafeID(b.Name)
		}

		for _, t := range b.Tools {
			name := NamespacedName(safeID, t.Name)
			next[hub.KindTool][name] = hub.Capability{
				NamespacedName: name,
				BackendName:    b.Name,
				OriginalName:   t.Name,
				Kind:           hub.KindTool,
				Definition:     hub.CapabilityDefinition{Tool: ptrTool(t)},
			}
		}
		for _, r := range b.Resources {
			name := NamespacedName(safeID, r.URI)
			next[hub.KindResource][name] = hub.Capability{
				NamespacedName: name,
				BackendName:    b.Name,
				OriginalName:   r.URI,
				Kind:           hub.KindResource,
				Definition:     hub.CapabilityDefinition{Resource: ptrResource(r)},
			}
		}
		for _, rt := range b.ResourceTemplates {
			name := NamespacedName(safeID, rt.URITemplate)
			next[hub.KindResourceTemplate][name] = hub.Capability{
				NamespacedName: name,
				BackendName:    b.Name,
				OriginalName:   rt.URITemplate,
				Kind:           hub.KindResourceTemplate,
				Definition:     hub.CapabilityDefinition{ResourceTemplate: ptrResourceTemplate(rt)},
			}
		}
		for _, p := range b.Prompts {
			name := NamespacedName(safeID, p.Name)
			next[hub.KindPrompt][name] = hub.Capability{
				NamespacedName: name,
				BackendName:    b.Name,
				OriginalName:   p.Name,
				Kind:           hub.KindPrompt,
				Definition:     hub.CapabilityDefinition{Prompt: ptrPrompt(p)},
			}
		}
	}

	idx.mu.Lock()
	prev := idx.byKind
	idx.byKind = next
	idx.version++
	idx.mu.Unlock()

	idx.notifyDeltas(prev, next)
}

func (idx *Index) notifyDeltas(prev, next map[hub.CapabilityKind]map[string]hub.Capability) {
	idx.listenersMu.Lock()
	listeners := append([]ChangeListener(nil), idx.listeners...)
	idx.listenersMu.Unlock()
	if len(listeners) == 0 {
		return
	}

	for kind, nextSet := range next {
		prevSet := prev[kind]
		var added, removed []string
		for name := range nextSet {
			if _, ok := prevSet[name]; !ok {
				added = append(added, name)
			}
		}
		for name := range prevSet {
			if _, ok := nextSet[name]; !ok {
				removed = append(removed, name)
			}
		}
		if len(added) == 0 && len(removed) == 0 {
			continue
		}
		for _, l := range listeners {
			l(kind, added, removed)
		}
	}
}

// Lookup returns the Capability for a namespaced name, or false if absent.
func (idx *Index) Lookup(kind hub.CapabilityKind, namespacedName string) (hub.Capability, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	c, ok := idx.byKind[kind][namespacedName]
	return c, ok
}

// ListAll returns a snapshot slice of all capabilities of a kind.
func (idx *Index) ListAll(kind hub.CapabilityKind) []hub.Capability {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]hub.Capability, 0, len(idx.byKind[kind]))
	for _, c := range idx.byKind[kind] {
		out = append(out, c)
	}
	return out
}

// ToolIsWriteOp reports whether the given backend's tool (by its original,
// non-namespaced name) is marked as a write operation. Used by the chain
// executor's approval gating (spec.md §4.6); a linear scan is fine here
// since it only runs once per chain validation, not per tool call.
func (idx *Index) ToolIsWriteOp(backend, originalName string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, c := range idx.byKind[hub.KindTool] {
		if c.BackendName == backend && c.OriginalName == originalName {
			return c.Definition.Tool != nil && c.Definition.Tool.WriteOp
		}
	}
	return false
}

// Version returns the current rebuild generation, useful in tests asserting
// atomicity of swaps.
func (idx *Index) Version() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.version
}

// ReleaseBackend forgets a backend's safeId assignment so it can be reused
// by a different backend name later (spec.md §9 Open Question 4).
func (idx *Index) ReleaseBackend(name string) {
	idx.tracker.Release(name)
}

func ptrTool(t hub.ToolDefinition) *hub.ToolDefinition                               { return &t }
func ptrResource(r hub.ResourceDefinition) *hub.ResourceDefinition                   { return &r }
func ptrResourceTemplate(rt hub.ResourceTemplateDefinition) *hub.ResourceTemplateDefinition { return &rt }
func ptrPrompt(p hub.PromptDefinition) *hub.PromptDefinition                         { return &p }
