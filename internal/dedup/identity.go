// Package dedup removes duplicate items, first by stable id and then by
// content.
package dedup

import (
	"slices"
	"strings"

	"github.com/sells-group/tweet-digest/internal/model"
)

// ByIdentity merges items from several sources keeping the first item seen
// per id. Sources are visited in lexicographic key order so the kept set is
// the same on every run. Items without an id are dropped.
func ByIdentity(pool map[string][]model.Item) []model.Item {
	keys := make([]string, 0, len(pool))
	for k := range pool {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	seen := make(map[string]struct{})
	var out []model.Item
	for _, k := range keys {
		for _, it := range pool[k] {
			id := strings.TrimSpace(it.ID)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, it)
		}
	}
	return out
}
