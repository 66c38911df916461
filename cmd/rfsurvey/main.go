// rfsurvey is the RF asset discovery CLI: plan and execute spectrum
// surveys, inspect discovered signals, run the layer transforms and serve
// the HTTP API.
//
// Usage:
//
//	rfsurvey create -name=<name> [-start_mhz=<f>] [-end_mhz=<f>] [-location=<name>]
//	rfsurvey run -id=<survey-id> [-max=<n>]
//	rfsurvey step -id=<survey-id>
//	rfsurvey pause -id=<survey-id>
//	rfsurvey resume -id=<survey-id>
//	rfsurvey status -id=<survey-id>
//	rfsurvey list [-location=<name>] [-status=<status>]
//	rfsurvey signals -id=<survey-id> [-state=<state>]
//	rfsurvey confirm -id=<signal-id>
//	rfsurvey dismiss -id=<signal-id>
//	rfsurvey reset -segment=<segment-id>
//	rfsurvey skip -segment=<segment-id>
//	rfsurvey export -kind=<signals|assets> [-id=<survey-id>] [-out=<file>]
//	rfsurvey transform <status|bronze|silver|gold|full> [-dry_run]
//	rfsurvey serve [-listen=<addr>]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/golang/glog"

	// Blind imports for the SQL drivers store.Open selects between.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jschuller/rf-asset-discovery/band"
	"github.com/jschuller/rf-asset-discovery/config"
	"github.com/jschuller/rf-asset-discovery/export"
	"github.com/jschuller/rf-asset-discovery/notify"
	"github.com/jschuller/rf-asset-discovery/sdr"
	"github.com/jschuller/rf-asset-discovery/server"
	"github.com/jschuller/rf-asset-discovery/store"
	"github.com/jschuller/rf-asset-discovery/survey"
	"github.com/jschuller/rf-asset-discovery/transform"
)

func main() {
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	flag.CommandLine.Parse(nil)
	defer glog.Flush()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	sub := os.Args[1]
	args := os.Args[2:]
	ctx := context.Background()

	switch sub {
	case "create":
		runCreate(ctx, args)
	case "run":
		runRun(ctx, args)
	case "step":
		runStep(ctx, args)
	case "pause":
		runPause(ctx, args)
	case "resume":
		runResume(ctx, args)
	case "status":
		runStatus(ctx, args)
	case "list":
		runList(ctx, args)
	case "signals":
		runSignals(ctx, args)
	case "confirm":
		runSignalState(ctx, args, store.SignalConfirmed)
	case "dismiss":
		runSignalState(ctx, args, store.SignalDismissed)
	case "reset":
		runReset(ctx, args)
	case "skip":
		runSkip(ctx, args)
	case "export":
		runExport(ctx, args)
	case "transform":
		runTransform(ctx, args)
	case "serve":
		runServe(args)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: rfsurvey <command> [options]")
	fmt.Fprintln(os.Stderr, "commands: create, run, step, pause, resume, status, list,")
	fmt.Fprintln(os.Stderr, "          signals, confirm, dismiss, reset, skip, export, transform, serve")
	fmt.Fprintln(os.Stderr, "run \"rfsurvey <command> -help\" for command options")
}

// configFlag registers the shared -config flag on a command flag set.
func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "Path to the YAML config file (optional).")
}

func loadConfig(path string) config.Config {
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		glog.Exitf("unable to load config: %s", err)
	}
	return cfg
}

func openStore(ctx context.Context, cfg config.Config) *store.Store {
	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		glog.Exitf("unable to open store: %s", err)
	}
	if err := st.Init(ctx); err != nil {
		glog.Exitf("unable to initialize store: %s", err)
	}
	return st
}

func buildNotifier(cfg config.Config) notify.Notifier {
	if cfg.Notify.Kind == "redis" {
		n, err := notify.NewRedis(notify.RedisConfig{
			Addr:     cfg.Notify.RedisAddr,
			Password: cfg.Notify.RedisPassword,
			DB:       cfg.Notify.RedisDB,
			Stream:   cfg.Notify.RedisStream,
		})
		if err != nil {
			glog.Warningf("redis notifier unavailable, falling back to log: %s", err)
			return &notify.Log{}
		}
		return n
	}
	return &notify.Log{}
}

func buildScheduler(st *store.Store, cfg config.Config) *survey.Scheduler {
	var det sdr.Detector
	if cfg.SDR.Kind == "hackrf" {
		det = &sdr.HackRF{Binary: cfg.SDR.Binary}
	} else {
		det = &sdr.RTLSDR{Binary: cfg.SDR.Binary}
	}
	sched := survey.Config{
		ToleranceFactor:      cfg.Scheduler.ToleranceFactor,
		ToleranceMinHz:       cfg.Scheduler.ToleranceMinHz,
		ToleranceMaxHz:       cfg.Scheduler.ToleranceMaxHz,
		AutoPromoteThreshold: int(cfg.Scheduler.AutoPromoteThreshold),
		DetectionThresholdDB: cfg.Scheduler.DetectionThresholdDB,
		ScanTimeout:          cfg.Scheduler.ScanTimeout,
	}
	return survey.NewScheduler(st, det, buildNotifier(cfg), band.NewRegistry(nil), sched)
}

func buildTransformer(st *store.Store, cfg config.Config) *transform.Transformer {
	tr := transform.New(st.DB, band.NewRegistry(nil), transform.Config{
		VerificationThreshold:   cfg.Transform.VerificationThreshold,
		MinSilverPowerDB:        cfg.Transform.MinSilverPowerDB,
		GoldMinPowerDB:          cfg.Transform.GoldMinPowerDB,
		ExcludeBands:            cfg.Transform.ExcludeBands,
		IncludeUnknownProtocols: cfg.Transform.IncludeUnknownProtocols,
	})
	tr.Driver = cfg.Database.Driver
	return tr
}

func derefSegments(segs []*store.Segment) []store.Segment {
	out := make([]store.Segment, len(segs))
	for i, seg := range segs {
		out[i] = *seg
	}
	return out
}

// exitErr prints a storage error with its kind and exits non-zero.
func exitErr(err error) {
	kind := "error"
	switch {
	case errors.Is(err, store.ErrValidation):
		kind = "validation error"
	case errors.Is(err, store.ErrState):
		kind = "state conflict"
	case errors.Is(err, store.ErrNotFound):
		kind = "not found"
	case errors.Is(err, store.ErrStorage):
		kind = "storage error"
	case errors.Is(err, sdr.ErrTimeout):
		kind = "scan timeout"
	case errors.Is(err, sdr.ErrDevice):
		kind = "device error"
	}
	fmt.Fprintf(os.Stderr, "%s: %s\n", kind, err)
	glog.Flush()
	os.Exit(1)
}

func runCreate(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	cfgPath := configFlag(fs)
	name := fs.String("name", "", "Survey name (required).")
	location := fs.String("location", "", "Location name for run numbering.")
	startMHz := fs.Float64("start_mhz", float64(band.MinHz)/1e6, "Lower edge of the survey range in MHz.")
	endMHz := fs.Float64("end_mhz", float64(band.MaxHz)/1e6, "Upper edge of the survey range in MHz.")
	gaps := fs.Bool("include_gaps", true, "Also sweep spectrum between known bands.")
	antenna := fs.String("antenna", "", "Antenna type, recorded with the survey.")
	device := fs.String("device", "", "SDR device identifier, recorded with the survey.")
	gain := fs.String("gain", "", "Gain setting, recorded with the survey.")
	baseline := fs.String("baseline", "", "Baseline survey id this one is compared against.")
	fs.Parse(args)

	if *name == "" {
		fs.PrintDefaults()
		os.Exit(1)
	}
	cfg := loadConfig(*cfgPath)
	st := openStore(ctx, cfg)
	sched := buildScheduler(st, cfg)

	plan := survey.DefaultPlanOptions()
	plan.IncludeGaps = *gaps
	sv, err := sched.Create(ctx, survey.CreateOptions{
		Name:         *name,
		StartHz:      int64(*startMHz * 1e6),
		EndHz:        int64(*endMHz * 1e6),
		Plan:         plan,
		LocationName: *location,
		AntennaType:  *antenna,
		SDRDevice:    *device,
		GainSetting:  *gain,
		Baseline:     *baseline,
	})
	if err != nil {
		exitErr(err)
	}
	segs, err := st.Segments(ctx, sv.ID)
	if err != nil {
		exitErr(err)
	}
	estimate := time.Duration(survey.EstimateSeconds(derefSegments(segs))) * time.Second
	fmt.Printf("created survey %s (run %d): %d segments, ~%s estimated\n",
		sv.ID, sv.RunNumber.Int64, sv.TotalSegments, estimate.Round(time.Second))
}

func runRun(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := configFlag(fs)
	id := fs.String("id", "", "Survey id (required).")
	max := fs.Int("max", 0, "Stop after this many segments (0 runs to completion).")
	fs.Parse(args)

	if *id == "" {
		fs.PrintDefaults()
		os.Exit(1)
	}
	cfg := loadConfig(*cfgPath)
	st := openStore(ctx, cfg)
	sched := buildScheduler(st, cfg)

	res, err := sched.Run(ctx, *id, *max)
	if err != nil {
		exitErr(err)
	}
	fmt.Printf("ran %d segments: %d signals, %d promoted, complete=%t\n",
		res.SegmentsRun, res.SignalsFound, res.Promoted, res.Complete)
}

func runStep(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("step", flag.ExitOnError)
	cfgPath := configFlag(fs)
	id := fs.String("id", "", "Survey id (required).")
	fs.Parse(args)

	if *id == "" {
		fs.PrintDefaults()
		os.Exit(1)
	}
	cfg := loadConfig(*cfgPath)
	st := openStore(ctx, cfg)
	sched := buildScheduler(st, cfg)

	res, err := sched.Step(ctx, *id)
	if err != nil {
		exitErr(err)
	}
	if res.Done {
		fmt.Println("no pending segments remain")
		return
	}
	fmt.Printf("segment %s (%s): %d signals, noise floor %.1f dB, scan took %s\n",
		res.SegmentID, res.SegmentName, res.SignalsFound, res.NoiseFloorDB,
		res.ScanTime.Round(time.Millisecond))
}

func runPause(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("pause", flag.ExitOnError)
	cfgPath := configFlag(fs)
	id := fs.String("id", "", "Survey id (required).")
	fs.Parse(args)

	if *id == "" {
		fs.PrintDefaults()
		os.Exit(1)
	}
	cfg := loadConfig(*cfgPath)
	st := openStore(ctx, cfg)
	sched := buildScheduler(st, cfg)
	if err := sched.Pause(ctx, *id); err != nil {
		exitErr(err)
	}
	fmt.Printf("survey %s paused\n", *id)
}

func runResume(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	cfgPath := configFlag(fs)
	id := fs.String("id", "", "Survey id (required).")
	max := fs.Int("max", 0, "Stop after this many segments (0 runs to completion).")
	fs.Parse(args)

	if *id == "" {
		fs.PrintDefaults()
		os.Exit(1)
	}
	cfg := loadConfig(*cfgPath)
	st := openStore(ctx, cfg)
	sched := buildScheduler(st, cfg)

	res, err := sched.Resume(ctx, *id, *max)
	if err != nil {
		exitErr(err)
	}
	fmt.Printf("resumed: ran %d segments, %d signals, complete=%t\n",
		res.SegmentsRun, res.SignalsFound, res.Complete)
}

func runStatus(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := configFlag(fs)
	id := fs.String("id", "", "Survey id (required).")
	fs.Parse(args)

	if *id == "" {
		fs.PrintDefaults()
		os.Exit(1)
	}
	cfg := loadConfig(*cfgPath)
	st := openStore(ctx, cfg)

	sv, err := st.GetSurvey(ctx, *id)
	if err != nil {
		exitErr(err)
	}
	segs, err := st.Segments(ctx, *id)
	if err != nil {
		exitErr(err)
	}
	failed := 0
	for _, seg := range segs {
		if seg.Status == store.SegmentFailed {
			failed++
		}
	}
	fmt.Printf("survey %s %q: %s\n", sv.ID, sv.Name, sv.Status)
	fmt.Printf("  range: %.1f-%.1f MHz\n", float64(sv.StartHz)/1e6, float64(sv.EndHz)/1e6)
	fmt.Printf("  segments: %d/%d completed (%.0f%%), %d failed\n",
		sv.CompletedSegments, sv.TotalSegments, sv.CompletionPct, failed)
	for _, seg := range segs {
		line := fmt.Sprintf("  [%s] %s (%.1f-%.1f MHz)",
			seg.Status, seg.Name, float64(seg.StartHz)/1e6, float64(seg.EndHz)/1e6)
		if seg.ErrorMessage.Valid {
			line += ": " + seg.ErrorMessage.String
		}
		fmt.Println(line)
	}
}

func runList(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	cfgPath := configFlag(fs)
	location := fs.String("location", "", "Only list surveys at this location.")
	status := fs.String("status", "", "Only list surveys in this status.")
	limit := fs.Int("limit", 50, "Maximum number of surveys to list.")
	fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	st := openStore(ctx, cfg)

	var (
		surveys []*store.Survey
		err     error
	)
	if *location != "" {
		surveys, err = st.ListSurveysByLocation(ctx, *location, *limit)
	} else {
		surveys, err = st.ListSurveys(ctx, *status, *limit)
	}
	if err != nil {
		exitErr(err)
	}
	for _, sv := range surveys {
		fmt.Println(surveyRow(sv))
	}
}

func surveyRow(sv *store.Survey) string {
	loc := "-"
	if sv.LocationName.Valid {
		loc = sv.LocationName.String
	}
	return fmt.Sprintf("%s  %-12s run=%-3d %-12s %s", sv.ID, sv.Status, sv.RunNumber.Int64, loc, sv.Name)
}

func runSignals(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("signals", flag.ExitOnError)
	cfgPath := configFlag(fs)
	id := fs.String("id", "", "Survey id (required).")
	state := fs.String("state", "", "Only list signals in this state.")
	minCount := fs.Int("min_count", 0, "Only list signals seen at least this many times.")
	fs.Parse(args)

	if *id == "" {
		fs.PrintDefaults()
		os.Exit(1)
	}
	cfg := loadConfig(*cfgPath)
	st := openStore(ctx, cfg)

	sigs, err := st.Signals(ctx, *id, *state, *minCount)
	if err != nil {
		exitErr(err)
	}
	for _, sig := range sigs {
		fmt.Printf("%s  %9.3f MHz  %6.1f dB  x%-3d %-10s %s\n",
			sig.ID, float64(sig.FrequencyHz)/1e6, sig.PowerDB,
			sig.DetectionCount, sig.State, sig.FreqBand)
	}
}

func runSignalState(ctx context.Context, args []string, state string) {
	fs := flag.NewFlagSet(state, flag.ExitOnError)
	cfgPath := configFlag(fs)
	id := fs.String("id", "", "Signal id (required).")
	fs.Parse(args)

	if *id == "" {
		fs.PrintDefaults()
		os.Exit(1)
	}
	cfg := loadConfig(*cfgPath)
	st := openStore(ctx, cfg)
	if err := st.UpdateSignalState(ctx, *id, state); err != nil {
		exitErr(err)
	}
	fmt.Printf("signal %s is now %s\n", *id, state)
}

func runReset(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	cfgPath := configFlag(fs)
	segmentID := fs.String("segment", "", "Segment id to reset (required).")
	fs.Parse(args)

	if *segmentID == "" {
		fs.PrintDefaults()
		os.Exit(1)
	}
	cfg := loadConfig(*cfgPath)
	st := openStore(ctx, cfg)
	if err := st.ResetSegment(ctx, *segmentID); err != nil {
		exitErr(err)
	}
	fmt.Printf("segment %s reset to pending\n", *segmentID)
}

func runSkip(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("skip", flag.ExitOnError)
	cfgPath := configFlag(fs)
	segmentID := fs.String("segment", "", "Segment id to skip (required).")
	fs.Parse(args)

	if *segmentID == "" {
		fs.PrintDefaults()
		os.Exit(1)
	}
	cfg := loadConfig(*cfgPath)
	st := openStore(ctx, cfg)
	if err := st.SkipSegment(ctx, *segmentID); err != nil {
		exitErr(err)
	}
	fmt.Printf("segment %s skipped\n", *segmentID)
}

func runExport(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	cfgPath := configFlag(fs)
	id := fs.String("id", "", "Survey id, required for -kind=signals.")
	kind := fs.String("kind", "signals", "What to export (signals or assets).")
	out := fs.String("out", "", "Output file (defaults to stdout).")
	fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	st := openStore(ctx, cfg)

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			glog.Exitf("unable to create %q: %s", *out, err)
		}
		defer f.Close()
		w = f
	}

	switch *kind {
	case "signals":
		if *id == "" {
			fs.PrintDefaults()
			os.Exit(1)
		}
		sigs, err := st.Signals(ctx, *id, "", 0)
		if err != nil {
			exitErr(err)
		}
		if err := export.Signals(w, sigs); err != nil {
			exitErr(err)
		}
	case "assets":
		assets, err := st.Assets(ctx)
		if err != nil {
			exitErr(err)
		}
		if err := export.Assets(w, assets); err != nil {
			exitErr(err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown export kind %q, pick one of: signals, assets\n", *kind)
		os.Exit(1)
	}
}

func runTransform(ctx context.Context, args []string) {
	layer := "full"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		layer = args[0]
		args = args[1:]
	}
	fs := flag.NewFlagSet("transform", flag.ExitOnError)
	cfgPath := configFlag(fs)
	dryRun := fs.Bool("dry_run", false, "Count source rows without materializing.")
	fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	st := openStore(ctx, cfg)
	tr := buildTransformer(st, cfg)

	if layer == "status" {
		counts := tr.Status(ctx)
		tables := make([]string, 0, len(counts))
		for table := range counts {
			tables = append(tables, table)
		}
		sort.Strings(tables)
		for _, table := range tables {
			if counts[table] < 0 {
				fmt.Printf("%-28s (not materialized)\n", table)
				continue
			}
			fmt.Printf("%-28s %d rows\n", table, counts[table])
		}
		return
	}

	var (
		results []transform.Result
		err     error
	)
	switch layer {
	case "bronze":
		results, err = tr.Bronze(ctx, *dryRun)
	case "silver":
		var res transform.Result
		if res, err = tr.Silver(ctx, *dryRun); err == nil {
			results = append(results, res)
			res, err = tr.BandInventory(ctx, *dryRun)
		}
		results = append(results, res)
	case "gold":
		var res transform.Result
		res, err = tr.Gold(ctx, *dryRun)
		results = append(results, res)
	case "full":
		results, err = tr.Full(ctx, *dryRun)
	default:
		fmt.Fprintf(os.Stderr, "unknown layer %q, pick one of: status, bronze, silver, gold, full\n", layer)
		os.Exit(1)
	}
	for _, res := range results {
		state := "ok"
		if res.DryRun {
			state = "dry-run"
		}
		if !res.Success {
			state = "FAILED: " + res.Err
		}
		fmt.Printf("%-6s %-28s %5d -> %5d rows in %s  %s\n",
			res.Layer, res.Table, res.RowsSource, res.RowsCreated,
			res.Duration.Round(time.Millisecond), state)
	}
	if err != nil {
		exitErr(err)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := configFlag(fs)
	listen := fs.String("listen", "", "Listen address, overrides the config file.")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig(*cfgPath)
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	st := openStore(ctx, cfg)

	srv := &server.Server{
		Store:       st,
		Scheduler:   buildScheduler(st, cfg),
		Transformer: buildTransformer(st, cfg),
	}
	if err := srv.Run(ctx, cfg.Server.Listen); err != nil {
		glog.Exitf("server failed: %s", err)
	}
}
