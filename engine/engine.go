package engine

import (
	iface "RecycleDetServer/interface"
	"context"
	"fmt"
	"sync"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003

// Detector gives a Backend a lifecycle: New registers the backend, LoadModel
// makes it usable, Destroy releases it. Detect only runs in the IDLE state.
type Detector struct {
	name          string
	Endpoint      string
	Names         []string
	namesConf     iface.NamesConf
	MinConfidence float64
	backend       iface.Backend
	mu            sync.RWMutex
	State         int
}

func NewDetector(name, endpoint string) *Detector {
	return &Detector{name: name, Endpoint: endpoint, State: UNREGISTERED}
}

func (d *Detector) Name() string { return d.name }

func (d *Detector) New(backend iface.Backend) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backend = backend
	d.State = REGISTERED
	return d.backend != nil
}

func (d *Detector) LoadModel(names iface.NamesConf, minConfidence float64) error {
	if minConfidence < 0 || minConfidence > 1 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0, got %f", minConfidence)
	}
	table, err := resolveNames(names)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == UNREGISTERED || d.backend == nil {
		return fmt.Errorf("%s: %w: not registered", d.name, iface.ErrDetectorUnavailable)
	}
	d.Names = table
	d.namesConf = names
	d.MinConfidence = minConfidence
	d.State = IDLE
	return nil
}

func (d *Detector) CheckConfig() iface.EngineConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return iface.EngineConfig{
		Endpoint:      d.Endpoint,
		Names:         d.namesConf,
		MinConfidence: d.MinConfidence,
	}
}

func (d *Detector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.backend != nil {
		_ = d.backend.Close()
	}
	d.backend = nil
	d.Names = nil
	d.MinConfidence = 0
	d.State = UNREGISTERED
}

// Detect runs the backend and maps its hits to labelled detections.
// Hits below MinConfidence are dropped here, box validation is left to the caller.
func (d *Detector) Detect(ctx context.Context, img iface.ImageData) ([]iface.Detection, error) {
	d.mu.RLock()
	state, backend, names, minConf := d.State, d.backend, d.Names, d.MinConfidence
	d.mu.RUnlock()
	switch state {
	case UNREGISTERED:
		return nil, fmt.Errorf("%s: %w: detector not registered", d.name, iface.ErrDetectorUnavailable)
	case REGISTERED:
		return nil, fmt.Errorf("%s: %w: model not loaded", d.name, iface.ErrDetectorUnavailable)
	}

	hits, err := backend.Infer(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", d.name, iface.ErrDetectionInvocation, err)
	}
	out := make([]iface.Detection, 0, len(hits))
	for _, h := range hits {
		if h.Confidence < minConf {
			continue
		}
		label := h.Label
		if label == "" && h.ClassID >= 0 && h.ClassID < len(names) {
			label = names[h.ClassID]
		}
		out = append(out, iface.Detection{
			Box:        h.Box,
			Confidence: h.Confidence,
			Label:      label,
		})
	}
	return out, nil
}
