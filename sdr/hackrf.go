package sdr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/golang/glog"
)

const (
	hackrfSourceName = "hackrf"
	hackrfSweepAlias = "hackrf_sweep"
)

// HackRF wraps the hackrf_sweep tool as a Detector. The sweep output shares
// the rtl_power row format, so parsing and extraction are common.
type HackRF struct {
	Identifier string
	// Binary overrides the hackrf_sweep executable to run.
	Binary string
}

func (s *HackRF) Name() string {
	return hackrfSourceName
}

// Scan runs a single hackrf_sweep pass over the requested range. hackrf_sweep
// picks its own bin width from the -w flag, so the segment step size maps to
// the bin width request.
func (s *HackRF) Scan(ctx context.Context, opts Options) (*Result, error) {
	args := []string{
		fmt.Sprintf("-f %d:%d", opts.StartHz/1_000_000, opts.EndHz/1_000_000),
		fmt.Sprintf("-w %d", opts.StepHz),
		"-1", // single sweep
	}
	binary := s.Binary
	if binary == "" {
		binary = hackrfSweepAlias
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDevice, err)
	}

	glog.V(1).Infof("Running HackRF sweep: %q", cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDevice, err)
	}

	var bins []bin
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		rowBins, err := parseRow(scanner.Text())
		if err != nil {
			glog.Warningf("skipping malformed hackrf_sweep row: %s", err)
			continue
		}
		bins = append(bins, rowBins...)
	}

	if err := cmd.Wait(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: hackrf_sweep killed after deadline", ErrTimeout)
		}
		return nil, fmt.Errorf("%w: %s", ErrDevice, err)
	}
	if len(bins) == 0 {
		return nil, fmt.Errorf("%w: sweep produced no samples", ErrDevice)
	}

	return extract(bins, opts), nil
}
