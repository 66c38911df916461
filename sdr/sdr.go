package sdr

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDevice indicates the radio hardware (or its wrapper process) failed.
	ErrDevice = errors.New("sdr: device error")
	// ErrTimeout indicates a scan did not finish within the caller's deadline.
	ErrTimeout = errors.New("sdr: scan timeout")
)

// Detection is a single (frequency, power) observation from one scan.
type Detection struct {
	FrequencyHz int64
	PowerDB     float64
	// BandwidthHz is 0 when the detector could not estimate it.
	BandwidthHz int64
}

// Options bound a single scan invocation.
type Options struct {
	// StartHz is the lower frequency boundary of the scan in Hz.
	StartHz int64
	// EndHz is the upper frequency boundary of the scan in Hz (exclusive).
	EndHz int64
	// StepHz is the frequency step (FFT bin width) in Hz.
	// StepHz is a maximum, smaller more convenient bins may be used.
	StepHz int64
	// DwellTime is the duration spent collecting per frequency step.
	DwellTime time.Duration
	// ThresholdDB is the power level above which a bin counts as a detection.
	ThresholdDB float64
}

// Result is the outcome of one bounded scan.
type Result struct {
	Detections   []Detection
	NoiseFloorDB float64
}

// Detector performs one bounded scan over a frequency range.
//
// Implementations must honor ctx cancellation: an expired deadline is
// reported as ErrTimeout, any hardware failure as ErrDevice.
type Detector interface {
	Name() string
	Scan(ctx context.Context, opts Options) (*Result, error)
}
