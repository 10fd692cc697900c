package iface

import "context"

// Detector is an object-detection collaborator. Implementations must honour ctx deadlines.
type Detector interface {
	Name() string
	Detect(ctx context.Context, img ImageData) ([]Detection, error)
}

type NamesConf struct {
	IsFile bool
	Data   any
}

type EngineConfig struct {
	Endpoint      string
	Names         NamesConf
	MinConfidence float64
}

// Backend is the transport behind an engine.Detector.
type Backend interface {
	Infer(ctx context.Context, img ImageData) ([]RawResult, error)
	Close() error
}

// RawResult is a single inference hit before class-name mapping.
type RawResult struct {
	Box        BBox
	Confidence float64
	Label      string
	ClassID    int
}
