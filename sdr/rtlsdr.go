package sdr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/glog"
)

const (
	rtlSourceName = "rtl_sdr"
	rtlSweepAlias = "rtl_power"
)

// RTLSDR wraps the rtl_power sweep tool as a Detector.
type RTLSDR struct {
	Identifier string
	// Binary overrides the rtl_power executable to run.
	Binary string
}

func (s *RTLSDR) Name() string {
	return rtlSourceName
}

// Scan runs a single rtl_power sweep over the requested range and extracts
// detections above the threshold. The subprocess is killed when ctx expires.
func (s *RTLSDR) Scan(ctx context.Context, opts Options) (*Result, error) {
	args := []string{
		fmt.Sprintf("-f %d:%d:%d", opts.StartHz, opts.EndHz, opts.StepHz),
		fmt.Sprintf("-i %s", opts.DwellTime),
		"-1", // single sweep
		"-",  // dumps samples to stdout
	}
	binary := s.Binary
	if binary == "" {
		binary = rtlSweepAlias
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDevice, err)
	}

	glog.V(1).Infof("Running RTL SDR sweep: %q", cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDevice, err)
	}

	var bins []bin
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		rowBins, err := parseRow(scanner.Text())
		if err != nil {
			glog.Warningf("skipping malformed rtl_power row: %s", err)
			continue
		}
		bins = append(bins, rowBins...)
	}

	if err := cmd.Wait(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: rtl_power killed after deadline", ErrTimeout)
		}
		return nil, fmt.Errorf("%w: %s", ErrDevice, err)
	}
	if len(bins) == 0 {
		return nil, fmt.Errorf("%w: sweep produced no samples", ErrDevice)
	}

	return extract(bins, opts), nil
}

type bin struct {
	lowHz  int64
	highHz int64
	db     float64
}

// parseRow splits one rtl_power CSV row into per-bin power readings.
// Row format: date, time, freqLow, freqHigh, binWidth, sampleCount, db...
func parseRow(line string) ([]bin, error) {
	row := strings.Split(line, ", ")
	if len(row) < 7 {
		return nil, fmt.Errorf("row has %d fields, want at least 7", len(row))
	}
	freqLow, err := parseHz(row[2])
	if err != nil {
		return nil, err
	}
	freqHigh, err := parseHz(row[3])
	if err != nil {
		return nil, err
	}
	binWidth, err := parseHz(row[4])
	if err != nil {
		return nil, err
	}
	if binWidth <= 0 {
		return nil, fmt.Errorf("non-positive bin width %d", binWidth)
	}

	var bins []bin
	for i, cell := range row[6:] {
		db, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
		if err != nil {
			return nil, err
		}
		low := freqLow + int64(i)*binWidth
		high := low + binWidth
		if high > freqHigh {
			high = freqHigh
		}
		bins = append(bins, bin{lowHz: low, highHz: high, db: db})
	}
	return bins, nil
}

func parseHz(num string) (int64, error) {
	i, err := strconv.Atoi(strings.Split(strings.TrimSpace(num), ".")[0])
	return int64(i), err
}

// extract estimates the noise floor (median bin power) and merges adjacent
// above-threshold bins into detections. The detection frequency is the center
// of the merged run, its power the run maximum.
func extract(bins []bin, opts Options) *Result {
	sort.Slice(bins, func(i, j int) bool { return bins[i].lowHz < bins[j].lowHz })

	powers := make([]float64, len(bins))
	for i, b := range bins {
		powers[i] = b.db
	}
	sort.Float64s(powers)
	noiseFloor := powers[len(powers)/2]

	res := &Result{NoiseFloorDB: noiseFloor}
	var run []bin
	flush := func() {
		if len(run) == 0 {
			return
		}
		peak := run[0]
		for _, b := range run[1:] {
			if b.db > peak.db {
				peak = b
			}
		}
		res.Detections = append(res.Detections, Detection{
			FrequencyHz: (peak.lowHz + peak.highHz) / 2,
			PowerDB:     peak.db,
			BandwidthHz: run[len(run)-1].highHz - run[0].lowHz,
		})
		run = nil
	}
	for _, b := range bins {
		if b.db >= opts.ThresholdDB {
			run = append(run, b)
			continue
		}
		flush()
	}
	flush()
	return res
}
