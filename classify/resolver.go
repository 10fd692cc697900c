package classify

import (
	iface "RecycleDetServer/interface"
	"sort"
	"strings"
	"sync"
)

const DefaultMemoCapacity = 1000

type keyword struct {
	word     string
	category iface.Category
}

// Resolver maps raw detector labels to canonical categories.
//
// Resolution order, first hit wins:
//  1. exact match against the direct table
//  2. substring match against the high-confidence keywords
//  3. substring match against the full keyword table
//  4. substring match against the fallback words
//
// Inside tiers 2-4 the longest matching keyword wins, ties broken lexicographically,
// so the answer never depends on map iteration order.
type Resolver struct {
	direct   map[string]iface.Category
	tiers    [][]keyword
	mu       sync.Mutex
	memo     map[string]resolution
	capacity int
}

type resolution struct {
	category iface.Category
	ok       bool
}

func NewResolver(memoCapacity int) *Resolver {
	if memoCapacity < 0 {
		memoCapacity = 0
	}
	r := &Resolver{
		direct:   make(map[string]iface.Category, len(directTable)),
		memo:     make(map[string]resolution),
		capacity: memoCapacity,
	}
	for k, v := range directTable {
		r.direct[k] = v
	}
	for _, c := range AllCategories() {
		r.direct[string(c)] = c
	}
	r.tiers = [][]keyword{
		buildTier(highConfidenceKeywords),
		buildTier(keys(keywordTable)),
		buildTier(fallbackKeywords),
	}
	return r
}

func keys(m map[string]iface.Category) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func buildTier(words []string) []keyword {
	tier := make([]keyword, 0, len(words))
	for _, w := range words {
		c, ok := keywordTable[w]
		if !ok {
			continue
		}
		tier = append(tier, keyword{word: w, category: c})
	}
	sort.Slice(tier, func(i, j int) bool {
		if len(tier[i].word) != len(tier[j].word) {
			return len(tier[i].word) > len(tier[j].word)
		}
		return tier[i].word < tier[j].word
	})
	return tier
}

// Resolve returns the canonical category for rawLabel, or false when unresolved.
func (r *Resolver) Resolve(rawLabel string) (iface.Category, bool) {
	label := strings.ToLower(strings.TrimSpace(rawLabel))
	if label == "" {
		return "", false
	}

	r.mu.Lock()
	if hit, ok := r.memo[label]; ok {
		r.mu.Unlock()
		return hit.category, hit.ok
	}
	r.mu.Unlock()

	res := r.resolve(label)

	r.mu.Lock()
	// 满了就不再缓存，结果不受影响
	if len(r.memo) < r.capacity {
		r.memo[label] = res
	}
	r.mu.Unlock()
	return res.category, res.ok
}

func (r *Resolver) resolve(label string) resolution {
	if c, ok := r.direct[label]; ok {
		return resolution{category: c, ok: true}
	}
	for _, tier := range r.tiers {
		// tiers are sorted longest first, so the first hit is the longest match
		for _, kw := range tier {
			if strings.Contains(label, kw.word) {
				return resolution{category: kw.category, ok: true}
			}
		}
	}
	return resolution{}
}

// MemoSize reports how many labels are currently memoized.
func (r *Resolver) MemoSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.memo)
}
