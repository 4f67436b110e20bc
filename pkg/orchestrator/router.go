package orchestrator

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sipeed/packclaw/pkg/config"
	"github.com/sipeed/packclaw/pkg/logger"
)

const regexCacheLimit = 128

// RouteResult names the winning category, the agents it selects, and the
// literal pattern that matched.
type RouteResult struct {
	Category       string
	AgentIDs       []string
	MatchedPattern string
}

// CategoryRouter matches message content against priority-ordered regex
// categories. Compiled patterns are cached until the category list changes.
type CategoryRouter struct {
	mu         sync.RWMutex
	categories []config.CategoryConfig
	cache      map[string]*regexp.Regexp
}

func NewCategoryRouter(categories []config.CategoryConfig) *CategoryRouter {
	r := &CategoryRouter{cache: make(map[string]*regexp.Regexp)}
	r.UpdateCategories(categories)
	return r
}

// UpdateCategories replaces the category list and drops the compiled cache.
func (r *CategoryRouter) UpdateCategories(categories []config.CategoryConfig) {
	sorted := make([]config.CategoryConfig, len(categories))
	copy(sorted, categories)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	r.mu.Lock()
	r.categories = sorted
	r.cache = make(map[string]*regexp.Regexp)
	r.mu.Unlock()
}

// GetCategories returns a copy, highest priority first.
func (r *CategoryRouter) GetCategories() []config.CategoryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]config.CategoryConfig, len(r.categories))
	copy(out, r.categories)
	return out
}

// Route returns the first category, in priority order, with a pattern
// matching the content and at least one of its agents available. Invalid
// patterns are skipped, not fatal.
func (r *CategoryRouter) Route(content string, available []config.AgentConfig) *RouteResult {
	r.mu.RLock()
	categories := r.categories
	r.mu.RUnlock()

	for _, cat := range categories {
		for _, pattern := range cat.Patterns {
			re := r.compile(pattern)
			if re == nil || !re.MatchString(content) {
				continue
			}
			ids := intersectAgents(cat.AgentIDs, available)
			if len(ids) == 0 {
				continue
			}
			return &RouteResult{
				Category:       cat.Name,
				AgentIDs:       ids,
				MatchedPattern: pattern,
			}
		}
	}
	return nil
}

func (r *CategoryRouter) compile(pattern string) *regexp.Regexp {
	r.mu.RLock()
	re, ok := r.cache[pattern]
	r.mu.RUnlock()
	if ok {
		return re
	}

	compiled, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		logger.DebugCF("orchestrator", "Skipping invalid category pattern", map[string]any{
			"pattern": pattern,
			"error":   err.Error(),
		})
		return nil
	}

	r.mu.Lock()
	if len(r.cache) >= regexCacheLimit {
		r.cache = make(map[string]*regexp.Regexp)
	}
	r.cache[pattern] = compiled
	r.mu.Unlock()
	return compiled
}

func intersectAgents(ids []string, available []config.AgentConfig) []string {
	var out []string
	for _, id := range ids {
		for _, a := range available {
			if strings.EqualFold(a.ID, id) {
				out = append(out, a.ID)
				break
			}
		}
	}
	return out
}
