package pricing

import (
	iface "RecycleDetServer/interface"
	"math"
)

const (
	DefaultCoefficient = 0.02

	solidFactor   = 8.0
	hollowFactor  = 1.5
	unknownFactor = 2.0

	solidFloor   = 0.02
	hollowFloor  = 0.005
	unknownFloor = 0.005
)

type Estimator struct {
	catalog *Catalog
}

func NewEstimator(catalog *Catalog) *Estimator {
	return &Estimator{catalog: catalog}
}

// Weight converts a relative box area into kilograms for the given density.
func Weight(density iface.Density, relativeArea, coefficient float64) float64 {
	if coefficient <= 0 {
		coefficient = DefaultCoefficient
	}
	if relativeArea < 0 || math.IsNaN(relativeArea) {
		relativeArea = 0
	}
	switch density {
	case iface.DensitySolid:
		return math.Max(relativeArea*coefficient*solidFactor, solidFloor)
	case iface.DensityHollow:
		return math.Max(relativeArea*coefficient*hollowFactor, hollowFloor)
	default:
		return math.Max(relativeArea*coefficient*unknownFactor, unknownFloor)
	}
}

// Price is weight times unit price rounded to cents.
func Price(weight, pricePerKg float64) float64 {
	return iface.RoundTo(weight*pricePerKg, 2)
}

// Estimate prices one detection. Unresolved or unpriced categories yield the zero estimate.
func (e *Estimator) Estimate(cat iface.Category, resolved bool, relativeArea float64) iface.PriceEstimate {
	if !resolved || cat == "" {
		return iface.PriceEstimate{}
	}
	entry, ok := e.catalog.Lookup(cat)
	if !ok {
		return iface.PriceEstimate{}
	}
	w := Weight(entry.Density, relativeArea, entry.BaseCoefficient)
	return iface.PriceEstimate{
		Price:       Price(w, entry.PricePerKg),
		Weight:      iface.RoundTo(w, 3),
		UnitPrice:   entry.PricePerKg,
		Unit:        entry.Unit,
		Source:      entry.Source,
		LastUpdated: entry.LastUpdated,
	}
}

func (e *Estimator) Catalog() *Catalog { return e.catalog }
