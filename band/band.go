// Package band holds the frequency band catalog and the classification
// registry that maps bands to derived asset attributes.
package band

import "sort"

// Tuner coverage limits (RTL-SDR R820T).
const (
	MinHz int64 = 24_000_000
	MaxHz int64 = 1_766_000_000
)

// Priority values for survey segments. Lower scans first.
const (
	PriorityFine   = 1 // known active bands, detailed scan
	PriorityMedium = 2 // presence detection only
	PriorityCoarse = 3 // gap filling with wide steps
)

// Definition describes one known band with its preferred scan parameters.
type Definition struct {
	Name     string
	Label    string // band label recorded on signals, e.g. "fm_broadcast"
	StartHz  int64
	EndHz    int64
	StepHz   int64
	Priority int
}

// catalog lists the known high-value bands. Order here is irrelevant;
// consumers sort by start frequency.
var catalog = []Definition{
	{Name: "FM Broadcast", Label: "fm_broadcast", StartHz: 87_500_000, EndHz: 108_000_000, StepHz: 200_000, Priority: PriorityFine},
	{Name: "Aircraft VHF", Label: "aircraft", StartHz: 118_000_000, EndHz: 137_000_000, StepHz: 25_000, Priority: PriorityFine},
	{Name: "Amateur 2m", Label: "vhf_amateur", StartHz: 144_000_000, EndHz: 148_000_000, StepHz: 12_500, Priority: PriorityFine},
	{Name: "Marine VHF", Label: "marine_vhf", StartHz: 156_000_000, EndHz: 162_025_000, StepHz: 25_000, Priority: PriorityFine},
	{Name: "NOAA Weather", Label: "noaa_weather", StartHz: 162_400_000, EndHz: 162_550_000, StepHz: 25_000, Priority: PriorityFine},
	{Name: "ISM 315 MHz", Label: "ism_315", StartHz: 314_000_000, EndHz: 316_000_000, StepHz: 25_000, Priority: PriorityFine},
	{Name: "Amateur 70cm", Label: "uhf_amateur", StartHz: 420_000_000, EndHz: 450_000_000, StepHz: 25_000, Priority: PriorityFine},
	{Name: "ISM 433 MHz", Label: "ism_433", StartHz: 433_000_000, EndHz: 434_790_000, StepHz: 25_000, Priority: PriorityFine},
	{Name: "FRS/GMRS", Label: "frs_gmrs", StartHz: 462_000_000, EndHz: 467_712_500, StepHz: 12_500, Priority: PriorityFine},
	{Name: "Cellular 700 MHz", Label: "cellular_700", StartHz: 698_000_000, EndHz: 806_000_000, StepHz: 1_000_000, Priority: PriorityMedium},
	{Name: "ISM 868 MHz", Label: "ism_868", StartHz: 863_000_000, EndHz: 870_000_000, StepHz: 100_000, Priority: PriorityFine},
	{Name: "ISM 915 MHz", Label: "ism_900", StartHz: 902_000_000, EndHz: 928_000_000, StepHz: 100_000, Priority: PriorityFine},
	{Name: "GSM 900", Label: "gsm_900", StartHz: 935_000_000, EndHz: 960_000_000, StepHz: 200_000, Priority: PriorityMedium},
	{Name: "ADS-B 1090", Label: "adsb", StartHz: 1_088_000_000, EndHz: 1_092_000_000, StepHz: 1_000_000, Priority: PriorityFine},
	{Name: "GPS L1", Label: "gps", StartHz: 1_574_000_000, EndHz: 1_578_000_000, StepHz: 1_000_000, Priority: PriorityMedium},
}

// Catalog returns the known bands sorted by start frequency.
func Catalog() []Definition {
	defs := make([]Definition, len(catalog))
	copy(defs, catalog)
	sort.Slice(defs, func(i, j int) bool { return defs[i].StartHz < defs[j].StartHz })
	return defs
}

// lookup ranges for Derive. More specific bands (ISM 433) must come before
// the broader bands that contain them (UHF amateur).
var derivation = []struct {
	startHz int64
	endHz   int64
	label   string
}{
	{24_000_000, 30_000_000, "hf"},
	{30_000_000, 50_000_000, "vhf_low"},
	{50_000_000, 87_500_000, "vhf_mid"},
	{87_500_000, 108_000_000, "fm_broadcast"},
	{108_000_000, 137_000_000, "aircraft"},
	{144_000_000, 148_000_000, "vhf_amateur"},
	{156_000_000, 162_400_000, "marine_vhf"},
	{162_400_000, 162_550_000, "noaa_weather"},
	{314_000_000, 316_000_000, "ism_315"},
	{433_000_000, 435_000_000, "ism_433"},
	{420_000_000, 433_000_000, "uhf_amateur"},
	{435_000_000, 450_000_000, "uhf_amateur"},
	{462_000_000, 468_000_000, "frs_gmrs"},
	{450_000_000, 462_000_000, "uhf_land_mobile"},
	{468_000_000, 470_000_000, "uhf_land_mobile"},
	{698_000_000, 806_000_000, "cellular_700"},
	{863_000_000, 870_000_000, "ism_868"},
	{806_000_000, 863_000_000, "cellular_800"},
	{870_000_000, 902_000_000, "cellular_800"},
	{902_000_000, 928_000_000, "ism_900"},
	{935_000_000, 960_000_000, "gsm_900"},
	{1_088_000_000, 1_092_000_000, "adsb"},
	{1_574_000_000, 1_578_000_000, "gps"},
}

// Derive maps a frequency to its band label. Frequencies outside every known
// range resolve to UnknownLabel, never to an empty string.
func Derive(freqHz int64) string {
	for _, r := range derivation {
		if freqHz >= r.startHz && freqHz < r.endHz {
			return r.label
		}
	}
	return UnknownLabel
}
