package pipeline

import (
	"RecycleDetServer/cache"
	"RecycleDetServer/classify"
	"RecycleDetServer/fusion"
	"RecycleDetServer/imageproc"
	iface "RecycleDetServer/interface"
	"RecycleDetServer/monitor"
	"RecycleDetServer/pricing"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Recorder is the persistence collaborator. Calls are fire-and-forget.
type Recorder interface {
	SaveDetectionRecord(ctx context.Context, rec iface.DetectionRecord) error
}

type Options struct {
	MaxImageSize    int
	MinConfidence   float64
	IoUThreshold    float64
	DetectorTimeout time.Duration
	FingerprintMode string
	DefaultMode     Mode
	PersistTimeout  time.Duration

	PrimaryMinConfidence   float64
	SecondaryMinConfidence float64
	// Unresolved secondary detections below this confidence are discarded.
	SecondaryKeepUnresolvedMinConfidence float64
}

func DefaultOptions() Options {
	return Options{
		MaxImageSize:                         imageproc.DefaultMaxSize,
		MinConfidence:                        0.5,
		IoUThreshold:                         fusion.DefaultIoUThreshold,
		DetectorTimeout:                      10 * time.Second,
		FingerprintMode:                      imageproc.FingerprintContent,
		DefaultMode:                          ModeFused,
		PersistTimeout:                       5 * time.Second,
		PrimaryMinConfidence:                 0.5,
		SecondaryMinConfidence:               0.3,
		SecondaryKeepUnresolvedMinConfidence: 0.5,
	}
}

type Option func(*Pipeline)

func WithOptions(o Options) Option             { return func(p *Pipeline) { p.opts = o } }
func WithPrimary(d iface.Detector) Option      { return func(p *Pipeline) { p.primary = d } }
func WithSecondary(d iface.Detector) Option    { return func(p *Pipeline) { p.secondary = d } }
func WithResolver(r *classify.Resolver) Option { return func(p *Pipeline) { p.resolver = r } }
func WithCache(c *cache.ResultCache) Option    { return func(p *Pipeline) { p.cache = c } }
func WithRecorder(r Recorder) Option           { return func(p *Pipeline) { p.recorder = r } }
func WithMetrics(m *monitor.Metrics) Option    { return func(p *Pipeline) { p.metrics = m } }
func WithLogger(l *zap.Logger) Option          { return func(p *Pipeline) { p.log = l } }

// Pipeline sequences detection, fusion, classification and pricing for one image.
// It is safe for concurrent use.
type Pipeline struct {
	opts      Options
	primary   iface.Detector
	secondary iface.Detector
	resolver  *classify.Resolver
	fuser     *fusion.Fuser
	cache     *cache.ResultCache
	estimator *pricing.Estimator
	recorder  Recorder
	metrics   *monitor.Metrics
	log       *zap.Logger
	pending   sync.WaitGroup
}

func New(estimator *pricing.Estimator, opts ...Option) *Pipeline {
	p := &Pipeline{opts: DefaultOptions(), estimator: estimator}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.resolver == nil {
		p.resolver = classify.NewResolver(classify.DefaultMemoCapacity)
	}
	if p.estimator == nil {
		p.estimator = pricing.NewEstimator(pricing.NewCatalog())
	}
	if p.opts.DefaultMode == "" {
		p.opts.DefaultMode = ModeFused
	}
	p.fuser = fusion.NewFuser(p.opts.IoUThreshold, p.categoryKey)
	return p
}

type Request struct {
	Image     []byte
	Mode      Mode
	RequestID string
	// MinConfidence overrides Options.MinConfidence when set.
	MinConfidence *float64
}

type Result struct {
	RequestID       string                    `json:"request_id,omitempty"`
	Mode            Mode                      `json:"mode"`
	Detections      []iface.EnrichedDetection `json:"detections"`
	TotalDetections int                       `json:"total_detections"`
	TotalPrice      float64                   `json:"total_price"`
	Degraded        bool                      `json:"degraded"`
	FromCache       bool                      `json:"from_cache"`
	Failures        []SourceFailure           `json:"failures,omitempty"`
	States          []State                   `json:"states"`
	ImageWidth      int                       `json:"image_width"`
	ImageHeight     int                       `json:"image_height"`
	ProcessingTime  time.Duration             `json:"processing_time_ns"`
}

func (r *Result) enter(s State) { r.States = append(r.States, s) }

func (r *Result) Last() State {
	if len(r.States) == 0 {
		return Idle
	}
	return r.States[len(r.States)-1]
}

func (p *Pipeline) categoryKey(d iface.Detection) string {
	if c, ok := p.resolver.Resolve(d.Label); ok {
		return "category:" + string(c)
	}
	return "label:" + d.Label
}

// Run processes one image. Detector failures degrade the result instead of failing it;
// only a malformed request returns an error.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if len(req.Image) == 0 {
		return nil, ErrNoImage
	}
	mode := req.Mode
	if mode == "" {
		mode = p.opts.DefaultMode
	}
	mode, err := ParseMode(string(mode))
	if err != nil {
		return nil, err
	}
	img, err := imageproc.Prepare(req.Image, p.opts.MaxImageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	res := &Result{RequestID: req.RequestID, Mode: mode, ImageWidth: img.Width, ImageHeight: img.Height}
	res.enter(Idle)
	log := p.log.With(zap.String("request_id", req.RequestID), zap.String("mode", string(mode)))

	useCache := mode == ModeFused && p.cache != nil
	var fingerprint string
	var fused []iface.Detection
	if useCache {
		fingerprint = imageproc.Fingerprint(img, p.opts.FingerprintMode)
		if cached, ok := p.cache.Get(fingerprint); ok {
			fused = cached
			res.FromCache = true
			p.metrics.CacheEvent("hit")
			log.Debug("result cache hit", zap.String("fingerprint", fingerprint))
		} else {
			p.metrics.CacheEvent("miss")
		}
	}

	if !res.FromCache {
		res.enter(Detecting)
		primary, secondary := p.detect(ctx, img, mode, res)
		if len(res.Failures) > 0 {
			res.Degraded = true
			res.enter(Degraded)
			for _, f := range res.Failures {
				log.Warn("detector failed, continuing without it",
					zap.String("source", string(f.Source)), zap.String("kind", f.Kind), zap.Error(f.Err))
			}
		}
		res.enter(Fusing)
		switch mode {
		case ModePrimary:
			fused = fusion.Dedup(primary, p.categoryKey)
		case ModeSecondary:
			fused = fusion.Dedup(secondary, p.categoryKey)
		default:
			fused = p.fuser.Fuse(primary, secondary)
		}
		// a partial result would pin the missing detector's absence for this image
		if useCache && !res.Degraded {
			p.cache.Put(fingerprint, fused)
		}
	}
	if useCache && p.cache.Tick() {
		p.metrics.CacheEvent("flush")
		log.Debug("result cache flushed")
	}

	minConf := p.opts.MinConfidence
	if req.MinConfidence != nil {
		minConf = *req.MinConfidence
	}

	res.enter(Classifying)
	res.Detections = make([]iface.EnrichedDetection, 0, len(fused))
	for _, d := range fused {
		if d.Confidence < minConf {
			continue
		}
		cat, ok := p.resolver.Resolve(d.Label)
		if !ok {
			log.Debug("label not mapped to a category", zap.String("label", d.Label), zap.Error(ErrUnresolvedCategory))
		}
		res.Detections = append(res.Detections, iface.EnrichedDetection{
			Box:          d.Box,
			RawLabel:     d.Label,
			Category:     cat,
			Resolved:     ok,
			Confidence:   d.Confidence,
			Source:       d.Source,
			RelativeArea: relativeArea(d.Box, img),
		})
	}

	res.enter(Pricing)
	total := 0.0
	for i := range res.Detections {
		e := &res.Detections[i]
		e.Estimate = p.estimator.Estimate(e.Category, e.Resolved, e.RelativeArea)
		total += e.Estimate.Price
	}
	res.TotalPrice = iface.RoundTo(total, 2)
	res.TotalDetections = len(res.Detections)

	res.enter(Done)
	res.ProcessingTime = time.Since(start)
	p.metrics.ObserveRun(string(mode), res.Degraded, res.TotalPrice)
	log.Info("pipeline finished",
		zap.Int("detections", res.TotalDetections),
		zap.Float64("total_price", res.TotalPrice),
		zap.Bool("degraded", res.Degraded),
		zap.Bool("from_cache", res.FromCache),
		zap.Duration("elapsed", res.ProcessingTime))

	p.persist(res)
	return res, nil
}

func relativeArea(b iface.BBox, img iface.ImageData) float64 {
	area := img.Area()
	if area <= 0 {
		return 0
	}
	return b.Area() / area
}

type outcome struct {
	dets []iface.Detection
	err  error
}

// detect calls the detectors the mode needs concurrently and filters what they return.
func (p *Pipeline) detect(ctx context.Context, img iface.ImageData, mode Mode, res *Result) (primary, secondary []iface.Detection) {
	var wg sync.WaitGroup
	var pOut, sOut outcome
	if mode.uses(iface.SourcePrimary) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pOut = p.invoke(ctx, p.primary, iface.SourcePrimary, img)
		}()
	}
	if mode.uses(iface.SourceSecondary) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sOut = p.invoke(ctx, p.secondary, iface.SourceSecondary, img)
		}()
	}
	wg.Wait()

	if mode.uses(iface.SourcePrimary) {
		if pOut.err != nil {
			res.Failures = append(res.Failures, newSourceFailure(iface.SourcePrimary, pOut.err))
		}
		primary = p.admit(pOut.dets, iface.SourcePrimary, img)
	}
	if mode.uses(iface.SourceSecondary) {
		if sOut.err != nil {
			res.Failures = append(res.Failures, newSourceFailure(iface.SourceSecondary, sOut.err))
		}
		secondary = p.admit(sOut.dets, iface.SourceSecondary, img)
	}
	for _, f := range res.Failures {
		p.metrics.DetectorFailure(string(f.Source), f.Kind)
	}
	return primary, secondary
}

// invoke runs one detector under the configured deadline. Panics become invocation failures.
func (p *Pipeline) invoke(ctx context.Context, d iface.Detector, src iface.Source, img iface.ImageData) (out outcome) {
	if d == nil {
		return outcome{err: fmt.Errorf("%s: %w: not configured", src, ErrDetectorUnavailable)}
	}
	if p.opts.DetectorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.DetectorTimeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: fmt.Errorf("%s: %w: panic: %v", src, ErrDetectionInvocation, r)}
		}
		p.metrics.ObserveDetector(string(src), time.Since(start))
	}()

	dets, err := d.Detect(ctx, img)
	if err != nil {
		if !errors.Is(err, ErrDetectorUnavailable) && !errors.Is(err, ErrDetectionInvocation) {
			err = fmt.Errorf("%s: %w: %v", src, ErrDetectionInvocation, err)
		}
		return outcome{err: err}
	}
	for i := range dets {
		dets[i].Source = src
	}
	return outcome{dets: dets}
}

// admit clips boxes to the image, then drops degenerate boxes, confidences outside [0,1]
// and detections below the source's confidence floors.
func (p *Pipeline) admit(dets []iface.Detection, src iface.Source, img iface.ImageData) []iface.Detection {
	floor := p.opts.PrimaryMinConfidence
	if src == iface.SourceSecondary {
		floor = p.opts.SecondaryMinConfidence
	}
	out := make([]iface.Detection, 0, len(dets))
	for _, d := range dets {
		d.Box = d.Box.Clamp(float64(img.Width), float64(img.Height))
		if d.Box.Degenerate() {
			p.metrics.DroppedBox()
			p.log.Debug("dropping detection", zap.String("source", string(src)),
				zap.String("label", d.Label), zap.Error(ErrDegenerateBox))
			continue
		}
		// NaN fails both comparisons
		if !(d.Confidence >= 0 && d.Confidence <= 1) {
			p.metrics.DroppedBox()
			p.log.Debug("dropping detection", zap.String("source", string(src)),
				zap.String("label", d.Label), zap.Float64("confidence", d.Confidence), zap.Error(ErrConfidenceRange))
			continue
		}
		if d.Confidence < floor {
			continue
		}
		if src == iface.SourceSecondary && d.Confidence < p.opts.SecondaryKeepUnresolvedMinConfidence {
			if _, ok := p.resolver.Resolve(d.Label); !ok {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

func (p *Pipeline) persist(res *Result) {
	if p.recorder == nil {
		return
	}
	rec := iface.DetectionRecord{
		RequestID:       res.RequestID,
		CreatedAt:       time.Now().UTC(),
		Mode:            string(res.Mode),
		TotalDetections: res.TotalDetections,
		Detections:      res.Detections,
		TotalPrice:      res.TotalPrice,
	}
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.PersistTimeout)
		defer cancel()
		if err := p.recorder.SaveDetectionRecord(ctx, rec); err != nil {
			p.metrics.PersistFailure()
			p.log.Error("failed to store detection record", zap.String("request_id", rec.RequestID), zap.Error(err))
		}
	}()
}

// Close waits for pending persistence writes.
func (p *Pipeline) Close() {
	p.pending.Wait()
}

func (p *Pipeline) Resolver() *classify.Resolver  { return p.resolver }
func (p *Pipeline) Estimator() *pricing.Estimator { return p.estimator }
