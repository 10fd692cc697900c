package fusion

import (
	iface "RecycleDetServer/interface"
	"math"
)

const DefaultIoUThreshold = 0.5

// IoU returns intersection-over-union of two boxes, 0 when they do not overlap.
func IoU(a, b iface.BBox) float64 {
	if a.X2 < b.X1 || b.X2 < a.X1 || a.Y2 < b.Y1 || b.Y2 < a.Y1 {
		return 0
	}
	ix1 := math.Max(a.X1, b.X1)
	iy1 := math.Max(a.Y1, b.Y1)
	ix2 := math.Min(a.X2, b.X2)
	iy2 := math.Min(a.Y2, b.Y2)
	inter := math.Max(0, ix2-ix1) * math.Max(0, iy2-iy1)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// KeyFunc gives the category identity of a detection for the second dedup pass.
type KeyFunc func(d iface.Detection) string

// LabelKey uses the raw label as identity.
func LabelKey(d iface.Detection) string { return d.Label }

type Fuser struct {
	Threshold float64
	Key       KeyFunc
}

func NewFuser(threshold float64, key KeyFunc) *Fuser {
	if threshold <= 0 {
		threshold = DefaultIoUThreshold
	}
	if key == nil {
		key = LabelKey
	}
	return &Fuser{Threshold: threshold, Key: key}
}

// Fuse keeps every primary detection in order and appends the secondary detections
// that do not overlap any primary box by more than the threshold, then drops exact
// (rounded box, category) duplicates keeping the first occurrence.
func (f *Fuser) Fuse(primary, secondary []iface.Detection) []iface.Detection {
	out := make([]iface.Detection, 0, len(primary)+len(secondary))
	out = append(out, primary...)
	for _, s := range secondary {
		if f.overlapsAny(s, primary) {
			continue
		}
		out = append(out, s)
	}
	return Dedup(out, f.Key)
}

func (f *Fuser) overlapsAny(d iface.Detection, against []iface.Detection) bool {
	for _, p := range against {
		if IoU(d.Box, p.Box) > f.Threshold {
			return true
		}
	}
	return false
}

type dedupKey struct {
	box      iface.BBox
	category string
}

// Dedup removes detections whose box (rounded to 2 decimals) and key repeat an earlier one.
func Dedup(dets []iface.Detection, key KeyFunc) []iface.Detection {
	if key == nil {
		key = LabelKey
	}
	seen := make(map[dedupKey]struct{}, len(dets))
	out := make([]iface.Detection, 0, len(dets))
	for _, d := range dets {
		k := dedupKey{box: d.Box.Round(2), category: key(d)}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, d)
	}
	return out
}
