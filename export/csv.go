// Package export writes survey results as CSV for spreadsheet review and
// CMDB import tooling.
package export

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/jschuller/rf-asset-discovery/store"
)

// Signals writes a survey's signal set as CSV.
func Signals(w io.Writer, sigs []*store.Signal) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"SignalID",
		"SurveyID",
		"FrequencyHz",
		"PowerDB",
		"BandwidthHz",
		"FreqBand",
		"DetectionCount",
		"FirstSeenUnixMilli",
		"LastSeenUnixMilli",
		"State",
		"PromotedAssetID",
	}); err != nil {
		return fmt.Errorf("write header: %s", err)
	}

	for _, s := range sigs {
		if err := cw.Write([]string{
			s.ID,
			s.SurveyID,
			fmt.Sprintf("%d", s.FrequencyHz),
			fmt.Sprintf("%f", s.PowerDB),
			fmt.Sprintf("%d", s.BandwidthHz.Int64),
			s.FreqBand,
			fmt.Sprintf("%d", s.DetectionCount),
			fmt.Sprintf("%d", s.FirstSeen),
			fmt.Sprintf("%d", s.LastSeen),
			s.State,
			s.PromotedAssetID.String,
		}); err != nil {
			return fmt.Errorf("write signal %s: %s", s.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Assets writes the raw asset inventory as CSV.
func Assets(w io.Writer, assets []*store.Asset) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"AssetID",
		"Name",
		"FrequencyHz",
		"PowerDB",
		"BandwidthHz",
		"Protocol",
		"CMDBClass",
		"PurdueLevel",
		"RiskLevel",
		"SourceSignalID",
		"FirstSeenUnixMilli",
		"LastSeenUnixMilli",
	}); err != nil {
		return fmt.Errorf("write header: %s", err)
	}

	for _, a := range assets {
		if err := cw.Write([]string{
			a.ID,
			a.Name,
			fmt.Sprintf("%d", a.FrequencyHz),
			fmt.Sprintf("%f", a.PowerDB),
			fmt.Sprintf("%d", a.BandwidthHz.Int64),
			a.Protocol,
			a.CMDBClass,
			fmt.Sprintf("%d", a.PurdueLevel),
			a.RiskLevel,
			a.SourceSignalID,
			fmt.Sprintf("%d", a.FirstSeen),
			fmt.Sprintf("%d", a.LastSeen),
		}); err != nil {
			return fmt.Errorf("write asset %s: %s", a.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
