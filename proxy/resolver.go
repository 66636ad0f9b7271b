package proxy

import (
	"context"
	"strings"
	"sync"
	"time"
)

type resolutionCacheEntry struct {
	resolvedID string
	generation uint64
	expiresAt  time.Time
}

// ModelResolver turns a client-supplied model name into a concrete LM
// Studio catalog identifier: aliases first, then an
// ordered normalization chain against the live catalog, backed by a
// positive-only TTL cache invalidated by the alias store's generation
// counter.
type ModelResolver struct {
	upstream *UpstreamClient
	aliases  *AliasStore
	ttl      time.Duration

	mu    sync.Mutex
	cache map[string]resolutionCacheEntry
}

func NewModelResolver(upstream *UpstreamClient, aliases *AliasStore, ttl time.Duration) *ModelResolver {
	return &ModelResolver{
		upstream: upstream,
		aliases:  aliases,
		ttl:      ttl,
		cache:    make(map[string]resolutionCacheEntry),
	}
}

func (r *ModelResolver) cached(requested string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache[requested]
	if !ok {
		return "", false
	}
	if entry.generation != r.aliases.Generation() {
		delete(r.cache, requested)
		return "", false
	}
	if r.ttl > 0 && time.Now().After(entry.expiresAt) {
		delete(r.cache, requested)
		return "", false
	}
	return entry.resolvedID, true
}

func (r *ModelResolver) remember(requested, resolvedID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[requested] = resolutionCacheEntry{
		resolvedID: resolvedID,
		generation: r.aliases.Generation(),
		expiresAt:  time.Now().Add(r.ttl),
	}
}

// Invalidate drops a cache entry, used when a request with that name just
// failed with "model not loaded" so a following JIT retry re-resolves.
func (r *ModelResolver) Invalidate(requested string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, requested)
}

// Resolve returns the LM Studio catalog identifier for a client-supplied
// model name.
func (r *ModelResolver) Resolve(ctx context.Context, requested string) (string, error) {
	if requested == "" {
		return "", invalidRequestf("model name is required")
	}

	if alias, ok := r.aliases.Get(requested); ok {
		return alias.Target, nil
	}

	if resolved, ok := r.cached(requested); ok {
		return resolved, nil
	}

	catalog, err := r.upstream.ListCatalog(ctx)
	if err != nil {
		return "", err
	}

	resolved, err := resolveAgainstCatalog(requested, catalog)
	if err != nil {
		return "", err
	}

	r.remember(requested, resolved)
	return resolved, nil
}

// resolveAgainstCatalog implements the ordered normalization chain:
// exact -> case-insensitive -> strip ":tag" -> strip "@quant" -> prefix
// match on the final path segment. At each step, if more than one
// candidate matches, the loaded one wins, then the shortest identifier.
func resolveAgainstCatalog(requested string, catalog []LMModel) (string, error) {
	steps := []func(string) string{
		func(s string) string { return s },
		strings.ToLower,
		func(s string) string { return strings.ToLower(stripTag(s)) },
		func(s string) string { return strings.ToLower(stripQuant(stripTag(s))) },
	}

	for _, normalize := range steps {
		target := normalize(requested)
		var matches []LMModel
		for _, m := range catalog {
			candidate := m.ID
			if normalize(candidate) == target {
				matches = append(matches, m)
			}
		}
		if len(matches) > 0 {
			return pickBestCandidate(matches).ID, nil
		}
	}

	// Final step: prefix match against the final path segment of the
	// catalog id (e.g. requested "llama-3.1-8b" matches catalog id
	// "org/llama-3.1-8b-instruct" via its last "/"-separated segment).
	target := strings.ToLower(stripQuant(stripTag(requested)))
	var matches []LMModel
	for _, m := range catalog {
		segment := strings.ToLower(lastPathSegment(m.ID))
		if strings.HasPrefix(segment, target) {
			matches = append(matches, m)
		}
	}
	if len(matches) > 0 {
		return pickBestCandidate(matches).ID, nil
	}

	return "", modelNotFoundf("model %q not found", requested)
}

// pickBestCandidate breaks ties at one normalization level: a loaded
// model beats an unloaded one, then the shortest identifier wins.
func pickBestCandidate(matches []LMModel) LMModel {
	best := matches[0]
	for _, m := range matches[1:] {
		if m.loaded() != best.loaded() {
			if m.loaded() {
				best = m
			}
			continue
		}
		if len(m.ID) < len(best.ID) {
			best = m
		}
	}
	return best
}

func stripTag(name string) string {
	if idx := strings.LastIndex(name, ":"); idx != -1 {
		return name[:idx]
	}
	return name
}

func stripQuant(name string) string {
	if idx := strings.LastIndex(name, "@"); idx != -1 {
		return name[:idx]
	}
	return name
}

func lastPathSegment(name string) string {
	if idx := strings.LastIndex(name, "/"); idx != -1 {
		return name[idx+1:]
	}
	return name
}
