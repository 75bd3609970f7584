// Package smile turns a face's mouth landmarks into a heuristic 0-100 smile score.
//
// The score is not a calibrated probability. Its thresholds are empirical and
// are reproduced exactly.
package smile

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/example/smile-check/internal/landmarks"
)

// Mode names a scoring strategy.
type Mode string

const (
	// ModeNormalized normalizes lip distances by face height and rescales above the noise floor.
	ModeNormalized Mode = "normalized"
	// ModeRatio divides the inner-lip gap by the mouth width.
	ModeRatio Mode = "ratio"
)

var (
	// ErrInvalidFaceHeight is returned when the face box height is not positive.
	ErrInvalidFaceHeight = errors.New("face height must be positive")
	// ErrDegenerateMouth is returned when the lip corners coincide.
	ErrDegenerateMouth = errors.New("mouth width is zero")
	// ErrUnknownMode is returned by ParseMode for unrecognised names.
	ErrUnknownMode = errors.New("unknown scoring mode")
)

const (
	noiseFloor      = 10.0
	saturationPoint = 50.0
	maxScore        = 100.0
	opennessWeight  = 100.0
	curvatureWeight = 80.0
	ratioWeight     = 300.0
)

// Scorer computes a smile score for one face.
type Scorer interface {
	Mode() Mode
	Score(lm landmarks.LandmarkSet, faceHeight int) (float64, error)
}

// ParseMode resolves a mode name. The empty string is not accepted.
func ParseMode(name string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(name))) {
	case ModeNormalized:
		return ModeNormalized, nil
	case ModeRatio:
		return ModeRatio, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, name)
}

// New returns the scorer for a mode.
func New(mode Mode) (Scorer, error) {
	switch mode {
	case ModeNormalized:
		return NormalizedScorer{}, nil
	case ModeRatio:
		return RatioScorer{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}

// Measurements are the raw mouth distances in pixels.
type Measurements struct {
	MouthWidth   float64
	MouthHeight  float64
	LipCurvature float64
	InnerGap     float64
}

// Measure extracts the mouth distances used by both strategies.
func Measure(lm landmarks.LandmarkSet) Measurements {
	return Measurements{
		MouthWidth:   landmarks.Distance(lm[48], lm[54]),
		MouthHeight:  landmarks.Distance(lm[51], lm[57]),
		LipCurvature: landmarks.Distance(lm[50], lm[58]),
		InnerGap:     landmarks.Distance(lm[62], lm[66]),
	}
}

// NormalizedScorer is the canonical strategy.
type NormalizedScorer struct{}

// Mode implements Scorer.
func (NormalizedScorer) Mode() Mode { return ModeNormalized }

// Score implements Scorer.
func (NormalizedScorer) Score(lm landmarks.LandmarkSet, faceHeight int) (float64, error) {
	raw, err := RawScore(lm, faceHeight)
	if err != nil {
		return 0, err
	}
	return Round2(Rescale(raw)), nil
}

// RawScore is the clamped sum of mouth openness and curvature effect, before rescaling.
func RawScore(lm landmarks.LandmarkSet, faceHeight int) (float64, error) {
	if faceHeight <= 0 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidFaceHeight, faceHeight)
	}
	m := Measure(lm)
	h := float64(faceHeight)
	openness := m.MouthHeight / h * opennessWeight
	curvature := m.LipCurvature / h * curvatureWeight
	return clamp(openness+curvature, 0, maxScore), nil
}

// Rescale stretches (10, 50] onto (10, 100] and leaves values at or below 10 unchanged.
func Rescale(raw float64) float64 {
	if raw <= noiseFloor {
		return raw
	}
	scaled := (raw-noiseFloor)/(saturationPoint-noiseFloor)*(maxScore-noiseFloor) + noiseFloor
	return math.Min(maxScore, scaled)
}

// RatioScorer is the single-ratio strategy without face-height normalization.
type RatioScorer struct{}

// Mode implements Scorer.
func (RatioScorer) Mode() Mode { return ModeRatio }

// Score implements Scorer. faceHeight is validated but not used in the formula.
func (RatioScorer) Score(lm landmarks.LandmarkSet, faceHeight int) (float64, error) {
	if faceHeight <= 0 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidFaceHeight, faceHeight)
	}
	m := Measure(lm)
	if m.MouthWidth == 0 {
		return 0, ErrDegenerateMouth
	}
	return Round2(clamp(m.InnerGap/m.MouthWidth*ratioWeight, 0, maxScore)), nil
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
