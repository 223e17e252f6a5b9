// Package capability implements the CapabilityIndex (spec.md §4.4): the
// authoritative, namespaced union of tools/resources/resourceTemplates/
// prompts across connected backends.
package capability

import (
	"regexp"
	"strconv"
	"sync"

	"github.com/musterhub/hub/internal/hub"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

// NameTracker computes safeId(backendName), appending a deterministic
// integer suffix on collision, in backend registration order (spec.md §4.4,
// §8 Scenario A, §9 Open Question 4: suffixes persist only within a session,
// reuse after remove+re-add is permitted).
type NameTracker struct {
	mu        sync.Mutex
	safeIDs   map[string]string // backendName -> safeId
	occupied  map[string]string // safeId -> backendName currently holding it
}

func NewNameTracker() *NameTracker {
	return &NameTracker{
		safeIDs:  make(map[string]string),
		occupied: make(map[string]string),
	}
}

// SafeID returns the safeId for backendName, assigning one (with a
// collision suffix if needed) the first time it is seen.
func (t *NameTracker) SafeID(backendName string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.safeIDs[backendName]; ok {
		return id
	}

	base := unsafeChars.ReplaceAllString(backendName, "_")
	candidate := base
	suffix := 0
	for {
		if holder, taken := t.occupied[candidate]; !taken || holder == backendName {
			break
		}
		suffix++
		candidate = base + "_" + strconv.Itoa(suffix)
	}

	t.safeIDs[backendName] = candidate
	t.occupied[candidate] = backendName
	return candidate
}

// Release frees the safeId held by backendName so it can be reused by a
// different backend name after a remove+re-add (spec.md §9 Open Question 4).
func (t *NameTracker) Release(backendName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.safeIDs[backendName]
	if !ok {
		return
	}
	delete(t.safeIDs, backendName)
	if t.occupied[id] == backendName {
		delete(t.occupied, id)
	}
}

// NamespacedName builds the namespaced capability name for a backend +
// original capability name (spec.md §3, GLOSSARY).
func NamespacedName(safeID, originalName string) string {
	return safeID + hub.NamespaceDelim + originalName
}
