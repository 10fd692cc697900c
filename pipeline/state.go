package pipeline

import (
	iface "RecycleDetServer/interface"
	"errors"
	"fmt"
	"strings"
)

type State int

const (
	Idle State = iota
	Detecting
	Fusing
	Classifying
	Pricing
	Done
	Degraded
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Detecting:
		return "detecting"
	case Fusing:
		return "fusing"
	case Classifying:
		return "classifying"
	case Pricing:
		return "pricing"
	case Done:
		return "done"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := Idle; st <= Degraded; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown pipeline state %q", b)
}

// Mode selects which detectors a run uses.
type Mode string

const (
	ModeFused     Mode = "fused"
	ModePrimary   Mode = "primary"
	ModeSecondary Mode = "secondary"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeFused, "":
		return ModeFused, nil
	case ModePrimary, "custom":
		return ModePrimary, nil
	case ModeSecondary, "general":
		return ModeSecondary, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

func (m Mode) uses(src iface.Source) bool {
	switch m {
	case ModePrimary:
		return src == iface.SourcePrimary
	case ModeSecondary:
		return src == iface.SourceSecondary
	default:
		return true
	}
}

var (
	// Request errors, the only errors Run returns.
	ErrNoImage      = errors.New("no image supplied")
	ErrInvalidImage = errors.New("invalid image")
	ErrInvalidMode  = errors.New("invalid detection mode")

	// Absorbed errors, reported on the Result or in logs and metrics.
	ErrDetectorUnavailable = iface.ErrDetectorUnavailable
	ErrDetectionInvocation = iface.ErrDetectionInvocation
	ErrUnresolvedCategory  = errors.New("unresolved category")
	ErrDegenerateBox       = errors.New("degenerate bounding box")
	ErrConfidenceRange     = errors.New("confidence outside [0,1]")
)

// IsRequestError reports whether err was caused by a malformed request.
func IsRequestError(err error) bool {
	return errors.Is(err, ErrNoImage) || errors.Is(err, ErrInvalidImage) || errors.Is(err, ErrInvalidMode)
}

// SourceFailure records a detector that did not contribute to a run.
type SourceFailure struct {
	Source iface.Source `json:"source"`
	Kind   string       `json:"kind"`
	Reason string       `json:"reason"`
	Err    error        `json:"-"`
}

const (
	FailureUnavailable = "unavailable"
	FailureInvocation  = "invocation"
)

func newSourceFailure(src iface.Source, err error) SourceFailure {
	kind := FailureInvocation
	if errors.Is(err, ErrDetectorUnavailable) {
		kind = FailureUnavailable
	}
	return SourceFailure{Source: src, Kind: kind, Reason: err.Error(), Err: err}
}
