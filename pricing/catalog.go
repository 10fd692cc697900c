package pricing

import (
	"RecycleDetServer/classify"
	iface "RecycleDetServer/interface"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const DefaultUnit = "kg"

var solidCategories = map[iface.Category]bool{
	classify.Metal:       true,
	classify.MetalCan:    true,
	classify.IronCan:     true,
	classify.AluminumCan: true,
	classify.EWaste:      true,
}

var hollowCategories = map[iface.Category]bool{
	classify.PlasticBottle: true,
	classify.GlassBottle:   true,
	classify.Paper:         true,
	classify.PETBottle:     true,
	classify.PlasticBag:    true,
	classify.Cardboard:     true,
	classify.HDPE:          true,
	classify.PET:           true,
	classify.PP:            true,
	classify.PS:            true,
	classify.PVC:           true,
}

// DensityOf classifies a category by its fixed density set.
func DensityOf(c iface.Category) iface.Density {
	switch {
	case solidCategories[c]:
		return iface.DensitySolid
	case hollowCategories[c]:
		return iface.DensityHollow
	default:
		return iface.DensityUnknown
	}
}

type row struct {
	name  iface.Category
	price float64
	coef  float64
}

var defaultRows = []row{
	{classify.PlasticBottle, 8.5, 0.02},
	{classify.AluminumCan, 26.0, 0.015},
	{classify.IronCan, 3.8, 0.04},
	{classify.Paper, 2.8, 0.01},
	{classify.GlassBottle, 1.2, 0.08},
	{classify.PETBottle, 8.5, 0.02},
	{classify.PlasticBag, 5.5, 0.005},
	{classify.Cardboard, 2.8, 0.015},
	{classify.Metal, 16.0, 0.06},
	{classify.EWaste, 55.0, 0.1},
	{classify.HDPE, 12.0, 0.025},
	{classify.PET, 8.5, 0.02},
	{classify.PP, 7.0, 0.02},
	{classify.PS, 6.0, 0.02},
	{classify.PVC, 5.0, 0.03},
}

// defaultAliases point resolver categories at the price row they are sold under.
var defaultAliases = map[iface.Category]iface.Category{
	classify.MetalCan:   classify.Metal,
	classify.ScrapMetal: classify.Metal,
	classify.Newspaper:  classify.Paper,
	classify.Magazine:   classify.Paper,
	classify.Book:       classify.Paper,
	classify.Battery:    classify.EWaste,
	classify.CopperWire: classify.EWaste,
}

// PriceUpdate is one entry of an external price table.
type PriceUpdate struct {
	PricePerKg  float64 `json:"price_per_kg"`
	Source      string  `json:"source,omitempty"`
	Date        string  `json:"date,omitempty"`
	LastUpdated string  `json:"last_updated,omitempty"`
}

func (u PriceUpdate) updatedAt() string {
	if u.LastUpdated != "" {
		return u.LastUpdated
	}
	return u.Date
}

// Catalog is the price table, safe for concurrent reads while updates are merged.
type Catalog struct {
	mu      sync.RWMutex
	entries map[iface.Category]iface.CanonicalCategory
	aliases map[iface.Category]iface.Category
}

// NewCatalog builds the built-in price table.
func NewCatalog() *Catalog {
	c := &Catalog{
		entries: make(map[iface.Category]iface.CanonicalCategory, len(defaultRows)),
		aliases: make(map[iface.Category]iface.Category, len(defaultAliases)),
	}
	for _, r := range defaultRows {
		c.entries[r.name] = iface.CanonicalCategory{
			Name:            r.name,
			Density:         DensityOf(r.name),
			PricePerKg:      r.price,
			BaseCoefficient: r.coef,
			Unit:            DefaultUnit,
			Source:          "default",
		}
	}
	for k, v := range defaultAliases {
		c.aliases[k] = v
	}
	return c
}

// Lookup returns the entry for a category, following one alias hop.
func (c *Catalog) Lookup(cat iface.Category) (iface.CanonicalCategory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[cat]; ok {
		return e, true
	}
	if target, ok := c.aliases[cat]; ok {
		e, ok := c.entries[target]
		return e, ok
	}
	return iface.CanonicalCategory{}, false
}

// Merge applies updates to known categories and returns how many were applied.
// Unknown keys and non-positive prices are ignored.
func (c *Catalog) Merge(updates map[string]PriceUpdate) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	applied := 0
	for name, u := range updates {
		key := iface.Category(strings.ToLower(strings.TrimSpace(name)))
		e, ok := c.entries[key]
		if !ok || u.PricePerKg <= 0 {
			continue
		}
		e.PricePerKg = u.PricePerKg
		if u.Source != "" {
			e.Source = u.Source
		}
		if at := u.updatedAt(); at != "" {
			e.LastUpdated = at
		}
		c.entries[key] = e
		applied++
	}
	return applied
}

// Categories returns the priced category names in sorted order.
func (c *Catalog) Categories() []iface.Category {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]iface.Category, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot returns a copy of every entry, sorted by name.
func (c *Catalog) Snapshot() []iface.CanonicalCategory {
	names := c.Categories()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]iface.CanonicalCategory, 0, len(names))
	for _, n := range names {
		out = append(out, c.entries[n])
	}
	return out
}

// Report renders the price table as plain text.
func (c *Catalog) Report() string {
	var b strings.Builder
	b.WriteString("Recycling price report\n")
	b.WriteString(strings.Repeat("=", 48) + "\n")
	for _, e := range c.Snapshot() {
		fmt.Fprintf(&b, "%-16s %8.2f/%s  %-7s", e.Name, e.PricePerKg, e.Unit, DensityOf(e.Name))
		if e.Source != "" {
			fmt.Fprintf(&b, "  source: %s", e.Source)
		}
		if e.LastUpdated != "" {
			fmt.Fprintf(&b, "  updated: %s", e.LastUpdated)
		}
		b.WriteString("\n")
	}
	return b.String()
}
