package iface

import (
	"image"
	"math"
	"time"
)

// Source 标记检测结果来自哪个模型
type Source string

const (
	// SourcePrimary is the custom recycling model: fewer classes, higher precision.
	SourcePrimary Source = "primary"
	// SourceSecondary is the general object model: broad coverage, lower precision.
	SourceSecondary Source = "secondary"
)

type Position struct {
	X, Y float64
}

// BBox is a pixel-space rectangle, (X1,Y1) top-left and (X2,Y2) bottom-right.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

func (b BBox) Area() float64 {
	if b.Degenerate() {
		return 0
	}
	return b.Width() * b.Height()
}

// Degenerate reports a box with non-positive width or height.
func (b BBox) Degenerate() bool {
	return !(b.Width() > 0) || !(b.Height() > 0)
}

func (b BBox) Center() Position {
	return Position{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Clamp limits the box to [0,w]x[0,h]. NaN coordinates are kept so the box stays degenerate.
func (b BBox) Clamp(w, h float64) BBox {
	return BBox{
		X1: clampTo(b.X1, w),
		Y1: clampTo(b.Y1, h),
		X2: clampTo(b.X2, w),
		Y2: clampTo(b.Y2, h),
	}
}

func clampTo(v, max float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > max:
		return max
	}
	return v
}

// Round returns the box with every coordinate rounded to the given number of decimals.
func (b BBox) Round(decimals int) BBox {
	return BBox{
		X1: RoundTo(b.X1, decimals),
		Y1: RoundTo(b.Y1, decimals),
		X2: RoundTo(b.X2, decimals),
		Y2: RoundTo(b.Y2, decimals),
	}
}

func RoundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

type Detection struct {
	Box        BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
	Label      string  `json:"label"`
	Source     Source  `json:"source"`
}

// Category is a canonical recycling material name, e.g. "aluminum_can".
type Category string

type Density int

const (
	DensityUnknown Density = iota
	DensitySolid
	DensityHollow
)

func (d Density) String() string {
	switch d {
	case DensitySolid:
		return "solid"
	case DensityHollow:
		return "hollow"
	default:
		return "unknown"
	}
}

type CanonicalCategory struct {
	Name            Category `json:"name"`
	Density         Density  `json:"-"`
	PricePerKg      float64  `json:"price_per_kg"`
	BaseCoefficient float64  `json:"base_coefficient"`
	Unit            string   `json:"unit"`
	Source          string   `json:"source,omitempty"`
	LastUpdated     string   `json:"last_updated,omitempty"`
}

// PriceEstimate 单个检测框的重量与价格估算，零值即 "无法估价"
type PriceEstimate struct {
	Price       float64 `json:"price"`
	Weight      float64 `json:"weight"`
	UnitPrice   float64 `json:"unit_price"`
	Unit        string  `json:"unit,omitempty"`
	Source      string  `json:"source,omitempty"`
	LastUpdated string  `json:"last_updated,omitempty"`
}

func (p PriceEstimate) IsZero() bool {
	return p.Price == 0 && p.Weight == 0 && p.UnitPrice == 0
}

// EnrichedDetection keeps the detector's raw label next to the resolved category.
type EnrichedDetection struct {
	Box          BBox          `json:"bbox"`
	RawLabel     string        `json:"raw_label"`
	Category     Category      `json:"category,omitempty"`
	Resolved     bool          `json:"resolved"`
	Confidence   float64       `json:"confidence"`
	Source       Source        `json:"source"`
	RelativeArea float64       `json:"relative_area"`
	Estimate     PriceEstimate `json:"estimate"`
}

// ImageData is a decoded, preprocessed frame plus its transport encoding.
type ImageData struct {
	Image   image.Image
	Width   int
	Height  int
	Format  string
	Encoded []byte
}

func (i ImageData) Area() float64 {
	return float64(i.Width) * float64(i.Height)
}

// DetectionRecord is what the persistence collaborator stores per completed run.
type DetectionRecord struct {
	ID              string              `json:"id"`
	RequestID       string              `json:"request_id,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	Mode            string              `json:"detection_mode"`
	TotalDetections int                 `json:"total_detections"`
	Detections      []EnrichedDetection `json:"detection_results"`
	TotalPrice      float64             `json:"total_price"`
}

// Rating is the user's score of a result, each part 1-5 and 0 when not given.
type Rating struct {
	Accuracy      int `json:"accuracy,omitempty"`
	PriceAccuracy int `json:"price_accuracy,omitempty"`
	Overall       int `json:"overall,omitempty"`
}

func (r Rating) IsZero() bool { return r == Rating{} }

// FeedbackRecord is user feedback on a result; a nil Rating means not rated.
type FeedbackRecord struct {
	ID         string              `json:"id"`
	CreatedAt  time.Time           `json:"created_at"`
	Type       string              `json:"feedback_type"`
	Content    string              `json:"content"`
	Rating     *Rating             `json:"user_rating,omitempty"`
	Detections []EnrichedDetection `json:"detection_results,omitempty"`
}

type Statistics struct {
	TotalRuns         int            `json:"total_runs"`
	TotalObjects      int            `json:"total_objects"`
	AverageDetections float64        `json:"avg_detections"`
	TotalValue        float64        `json:"total_value"`
	AverageValue      float64        `json:"average_value"`
	FeedbackCount     int            `json:"feedback_count"`
	AverageRating     float64        `json:"average_rating"`
	FeedbackTypes     map[string]int `json:"feedback_types"`
}
