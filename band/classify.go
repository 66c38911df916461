package band

import (
	"fmt"
	"sort"
	"strings"
)

// Sentinels returned for bands with no registry entry. Unknown always
// resolves to these explicit values, never to an empty field.
const (
	UnknownLabel    = "unknown"
	UnknownProtocol = "UNKNOWN"
	UnknownCMDB     = "RF_EMITTER"
	UnknownPurdue   = 5
)

// Purdue DMZ sentinel: between level 3 and 4 in the reference model, encoded
// out-of-band so it never collides with levels 0-5.
const PurdueDMZ = 35

// Risk levels derived by the gold transform.
const (
	RiskHigh   = "HIGH"
	RiskMedium = "MEDIUM"
	RiskLow    = "LOW"
)

// Rule maps one band label to its derived attributes. Immutable
// configuration data, consumed by both the silver and gold transforms.
type Rule struct {
	Protocol    string
	Modulation  string
	CMDBClass   string
	PurdueLevel int
	Description string
}

// Registry is the single source of truth for band classification.
type Registry struct {
	rules map[string]Rule
}

// NewRegistry returns a registry over the given rules. Pass nil to use the
// built-in default rule set.
func NewRegistry(rules map[string]Rule) *Registry {
	if rules == nil {
		rules = defaultRules
	}
	copied := make(map[string]Rule, len(rules))
	for k, v := range rules {
		copied[strings.ToLower(k)] = v
	}
	return &Registry{rules: copied}
}

var defaultRules = map[string]Rule{
	"fm_broadcast": {Protocol: "FM_BROADCAST", Modulation: "WFM", CMDBClass: "RF_BROADCAST_TRANSMITTER", PurdueLevel: 5, Description: "FM broadcast"},
	"aircraft":     {Protocol: "AM_VOICE", Modulation: "AM", CMDBClass: "RF_AVIATION_TRANSPONDER", PurdueLevel: 5, Description: "Civil aviation voice"},
	"adsb":         {Protocol: "ADS_B", Modulation: "PPM", CMDBClass: "RF_ADSB_TRANSPONDER", PurdueLevel: 5, Description: "ADS-B Mode S"},
	"ism_433":      {Protocol: "OOK", Modulation: "OOK", CMDBClass: "RF_IOT_DEVICE", PurdueLevel: 0, Description: "433 MHz ISM"},
	"ism_315":      {Protocol: "OOK", Modulation: "OOK", CMDBClass: "RF_IOT_DEVICE", PurdueLevel: 0, Description: "315 MHz ISM"},
	"ism_868":      {Protocol: "FSK", Modulation: "GFSK", CMDBClass: "RF_IOT_DEVICE", PurdueLevel: 0, Description: "868 MHz EU IoT"},
	"ism_900":      {Protocol: "FSK", Modulation: "GFSK", CMDBClass: "RF_IOT_DEVICE", PurdueLevel: 1, Description: "900 MHz US LoRa"},
	"frs_gmrs":     {Protocol: "FM_VOICE", Modulation: "NFM", CMDBClass: "RF_TWO_WAY_RADIO", PurdueLevel: 4, Description: "FRS/GMRS"},
	"marine_vhf":   {Protocol: "FM_VOICE", Modulation: "NFM", CMDBClass: "RF_MARINE_RADIO", PurdueLevel: 5, Description: "Marine VHF"},
	"noaa_weather": {Protocol: "FM_VOICE", Modulation: "NFM", CMDBClass: "RF_WEATHER_STATION", PurdueLevel: 5, Description: "NOAA weather"},
	"uhf_amateur":  {Protocol: "MIXED", Modulation: "FM_SSB", CMDBClass: "RF_AMATEUR_RADIO", PurdueLevel: 5, Description: "UHF amateur (70cm)"},
	"vhf_amateur":  {Protocol: "MIXED", Modulation: "FM_SSB", CMDBClass: "RF_AMATEUR_RADIO", PurdueLevel: 5, Description: "VHF amateur (2m)"},
	"cellular_700": {Protocol: "LTE", Modulation: "OFDM", CMDBClass: "RF_CELLULAR_TOWER", PurdueLevel: 5, Description: "LTE 700 MHz"},
	"cellular_800": {Protocol: "LTE", Modulation: "OFDM", CMDBClass: "RF_CELLULAR_TOWER", PurdueLevel: 5, Description: "LTE 850 MHz"},
	"gsm_900":      {Protocol: "GSM", Modulation: "GMSK", CMDBClass: "RF_CELLULAR_TOWER", PurdueLevel: 5, Description: "GSM downlink"},
	"gps":          {Protocol: "SPREAD_SPECTRUM", Modulation: "CDMA", CMDBClass: "RF_NAVIGATION_SATELLITE", PurdueLevel: 5, Description: "GPS L1"},
}

var unknownRule = Rule{
	Protocol:    UnknownProtocol,
	Modulation:  UnknownProtocol,
	CMDBClass:   UnknownCMDB,
	PurdueLevel: UnknownPurdue,
	Description: "Unclassified",
}

// Lookup resolves a band label to its rule. Unknown labels resolve to the
// UNKNOWN sentinel rule.
func (r *Registry) Lookup(label string) Rule {
	if rule, ok := r.rules[strings.ToLower(label)]; ok {
		return rule
	}
	return unknownRule
}

// Risk derives the risk level the gold transform assigns.
func Risk(purdueLevel int, protocol string) string {
	switch {
	case purdueLevel <= 1:
		return RiskHigh
	case protocol == UnknownProtocol:
		return RiskMedium
	default:
		return RiskLow
	}
}

// sortedLabels keeps generated SQL stable across runs.
func (r *Registry) sortedLabels() []string {
	labels := make([]string, 0, len(r.rules))
	for k := range r.rules {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}

// ProtocolCaseSQL renders a CASE expression mapping the given band column to
// protocols. Both the silver and gold transforms consume these so the mapping
// is never duplicated inline.
func (r *Registry) ProtocolCaseSQL(col string) string {
	return r.caseSQL(col, func(rule Rule) string { return quote(rule.Protocol) }, quote(UnknownProtocol))
}

// CMDBCaseSQL renders a CASE expression mapping the band column to CMDB CI
// classes.
func (r *Registry) CMDBCaseSQL(col string) string {
	return r.caseSQL(col, func(rule Rule) string { return quote(rule.CMDBClass) }, quote(UnknownCMDB))
}

// PurdueCaseSQL renders a CASE expression mapping the band column to Purdue
// levels.
func (r *Registry) PurdueCaseSQL(col string) string {
	return r.caseSQL(col, func(rule Rule) string { return fmt.Sprintf("%d", rule.PurdueLevel) }, fmt.Sprintf("%d", UnknownPurdue))
}

func (r *Registry) caseSQL(col string, value func(Rule) string, fallback string) string {
	var b strings.Builder
	b.WriteString("CASE " + col)
	for _, label := range r.sortedLabels() {
		fmt.Fprintf(&b, " WHEN %s THEN %s", quote(label), value(r.rules[label]))
	}
	b.WriteString(" ELSE " + fallback + " END")
	return b.String()
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
