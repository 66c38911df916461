package survey

import (
	"strings"
	"testing"

	"github.com/jschuller/rf-asset-discovery/band"
)

func TestPlanOrdering(t *testing.T) {
	segs := Plan("sv", band.MinHz, band.MaxHz, DefaultPlanOptions())
	if len(segs) == 0 {
		t.Fatal("empty plan")
	}
	for i := 1; i < len(segs); i++ {
		prev, cur := segs[i-1], segs[i]
		if cur.Priority < prev.Priority {
			t.Errorf("segment %q (p%d) after %q (p%d)", cur.Name, cur.Priority, prev.Name, prev.Priority)
		}
		if cur.Priority == prev.Priority && cur.StartHz < prev.StartHz {
			t.Errorf("segment %q starts before %q within priority %d", cur.Name, prev.Name, cur.Priority)
		}
	}
}

func TestPlanCoversRangeWithGaps(t *testing.T) {
	const startHz, endHz = 87_500_000, 137_000_000
	segs := Plan("sv", startHz, endHz, DefaultPlanOptions())

	// FM broadcast and aircraft fit entirely, plus one coarse gap between
	// them at 108-118 MHz.
	var names []string
	for _, seg := range segs {
		names = append(names, seg.Name)
	}
	for _, want := range []string{"FM Broadcast", "Aircraft VHF", "Gap 108-118 MHz"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("plan %v missing %q", names, want)
		}
	}

	for _, seg := range segs {
		if seg.StartHz < startHz || seg.EndHz > endHz {
			t.Errorf("segment %q %d-%d outside survey range", seg.Name, seg.StartHz, seg.EndHz)
		}
		if strings.HasPrefix(seg.Name, "Gap") && seg.Priority != band.PriorityCoarse {
			t.Errorf("gap segment %q has priority %d", seg.Name, seg.Priority)
		}
	}
}

func TestPlanClipsPartialBands(t *testing.T) {
	// The survey range cuts into the middle of FM broadcast.
	segs := Plan("sv", 100_000_000, 105_000_000, PlanOptions{})
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1: %v", len(segs), segs)
	}
	if segs[0].StartHz != 100_000_000 || segs[0].EndHz != 105_000_000 {
		t.Errorf("segment %d-%d not clipped to survey range", segs[0].StartHz, segs[0].EndHz)
	}
}

func TestPlanWithoutGaps(t *testing.T) {
	segs := Plan("sv", 87_500_000, 137_000_000, PlanOptions{IncludeGaps: false})
	for _, seg := range segs {
		if strings.HasPrefix(seg.Name, "Gap") {
			t.Errorf("gap segment %q planned with IncludeGaps=false", seg.Name)
		}
	}
}

func TestPlanSkipsNarrowGaps(t *testing.T) {
	// Marine VHF ends at 162.025 MHz, NOAA starts at 162.4 MHz. The 375 kHz
	// gap is narrower than the 2 MHz coarse step and gets no segment.
	segs := Plan("sv", 156_000_000, 162_550_000, DefaultPlanOptions())
	for _, seg := range segs {
		if strings.HasPrefix(seg.Name, "Gap") {
			t.Errorf("narrow gap got segment %q (%d-%d)", seg.Name, seg.StartHz, seg.EndHz)
		}
	}
}

func TestEstimateSeconds(t *testing.T) {
	segs := Plan("sv", 87_500_000, 108_000_000, PlanOptions{IncludeGaps: false})
	if est := EstimateSeconds(segs); est <= 0 {
		t.Errorf("estimate = %f, want > 0", est)
	}
}
