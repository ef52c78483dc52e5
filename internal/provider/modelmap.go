package provider

import (
	"sort"
	"strings"
	"sync"

	"btrproxy/internal/store"
)

// defaultModelMappings covers providers that require it when an account has
// no explicit model_mappings configured (base §4.2).
var defaultModelMappings = map[string]string{
	"opus":   "claude-opus-4-20250514",
	"sonnet": "claude-sonnet-4-20250514",
	"haiku":  "claude-3-5-haiku-20241022",
}

// mappingCache memoizes the descending-length-sorted key list for an
// account's model_mappings so repeated dispatches don't re-sort on every
// request.
type mappingCache struct {
	mu    sync.Mutex
	cache map[string][]string // account id -> sorted keys
}

var globalMappingCache = &mappingCache{cache: make(map[string][]string)}

func sortedKeys(accountID string, mappings map[string]string) []string {
	globalMappingCache.mu.Lock()
	defer globalMappingCache.mu.Unlock()

	if keys, ok := globalMappingCache.cache[accountID]; ok && len(keys) == len(mappings) {
		return keys
	}

	keys := make([]string, 0, len(mappings))
	for k := range mappings {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	globalMappingCache.cache[accountID] = keys
	return keys
}

// mapModel implements base §4.2's model-mapping algorithm: if the account has
// model_mappings, match by case-insensitive substring against keys sorted by
// descending length (longest/most-specific match wins); otherwise fall back
// to the small built-in default; accounts with native compatibility (no
// match found) pass the inbound model through unchanged.
func mapModel(account *store.Account, inboundModel string) string {
	lower := strings.ToLower(inboundModel)

	mappings := account.ModelMappings
	if len(mappings) > 0 {
		for _, key := range sortedKeys(account.ID, mappings) {
			if strings.Contains(lower, strings.ToLower(key)) {
				return mappings[key]
			}
		}
		return inboundModel
	}

	for key, target := range defaultModelMappings {
		if strings.Contains(lower, key) {
			return target
		}
	}
	return inboundModel
}
