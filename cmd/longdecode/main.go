package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"

	"longdecode/pkg/config"
	"longdecode/pkg/longitudinal"
	"longdecode/pkg/study"
	"longdecode/pkg/volio"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "study.yaml", "Study configuration YAML")
	dataDir := flag.String("data", "", "Directory containing per-subject session data")
	outputDir := flag.String("out", "results", "Directory for accuracy maps and the analysis table")
	workers := flag.Int("workers", 0, "Number of CPU cores to use (default: config value or all available)")
	searchlight := flag.Bool("searchlight", false, "Also compute whole-mask searchlight accuracy maps")
	writeConfig := flag.Bool("write-default-config", false, "Write the default configuration to -config and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *dataDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *workers > 0 {
		cfg.Processing.Workers = *workers
	}
	if cfg.Processing.Workers <= 0 {
		cfg.Processing.Workers = runtime.NumCPU()
	}
	if *searchlight {
		cfg.Processing.Searchlight = true
	}

	logger := newLogger(cfg.Output.Verbose)
	defer logger.Sync()

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("LONGITUDINAL SEARCHLIGHT DECODING AND REPRESENTATIONAL TRACKING")
	fmt.Println("================================")
	fmt.Printf("Subjects: %d  Workers: %d  Radius: %.1f mm\n",
		len(cfg.Subjects), cfg.Processing.Workers, cfg.Decoding.RadiusMM)

	sources := study.FileSources{Dir: *dataDir}
	pipeline := &study.Pipeline{
		Cfg: cfg,
		Sources: study.Sources{
			Masks:     sources,
			Stats:     sources,
			Series:    sources,
			Timing:    sources,
			Contrasts: sources,
		},
		Log: logger,
	}

	startTime := time.Now()
	res, err := pipeline.Run(context.Background())
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}
	elapsed := time.Since(startTime)

	// Persist searchlight maps alongside the table.
	for k, m := range res.Maps {
		name := fmt.Sprintf("acc_%s_ses-%02d_%s.npy", k.Session.Subject, k.Session.Session, k.Class)
		path := filepath.Join(*outputDir, name)
		if err := volio.SaveVolume(path, m.Acc); err != nil {
			log.Fatalf("Failed to save accuracy map %s: %v", path, err)
		}
	}

	tablePath := filepath.Join(*outputDir, "analysis_table.csv")
	if err := volio.WriteRecordsCSV(tablePath, res.Records); err != nil {
		log.Fatalf("Failed to write analysis table: %v", err)
	}

	usable, insufficient := 0, 0
	for _, r := range res.Records {
		if r.Insufficient {
			insufficient++
		} else {
			usable++
		}
	}

	fmt.Printf("\nAnalysis completed in %.2f seconds\n", elapsed.Seconds())
	fmt.Printf("Records: %d usable, %d insufficient\n", usable, insufficient)
	fmt.Printf("Table saved to: %s\n", tablePath)
	if len(res.Maps) > 0 {
		fmt.Printf("Accuracy maps saved: %d\n", len(res.Maps))
	}

	printGroupSummary(cfg, res.Records)
}

// newLogger builds a console logger at the requested verbosity.
func newLogger(verbose bool) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "console"
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	return logger
}

// printGroupSummary bootstraps drift and distinctiveness change per cohort
// and flags patients outside the control interval.
func printGroupSummary(cfg *config.Config, records []*longitudinal.Record) {
	byGroup := map[string][]*longitudinal.Record{}
	for _, r := range records {
		byGroup[r.Group] = append(byGroup[r.Group], r)
	}
	if len(byGroup) == 0 {
		return
	}

	bootCfg := longitudinal.BootstrapConfig{
		Iterations: cfg.Longitudinal.BootstrapIterations,
		Seed:       cfg.Longitudinal.BootstrapSeed,
		Alpha:      cfg.Longitudinal.Alpha,
	}
	metrics := []struct {
		name string
		fn   longitudinal.Metric
	}{
		{"spatial drift (mm)", func(r *longitudinal.Record) float64 { return r.DriftMM }},
		{"map overlap (Dice)", func(r *longitudinal.Record) float64 { return r.Dice }},
		{"distinctiveness change", func(r *longitudinal.Record) float64 { return r.DistinctivenessChange }},
	}

	fmt.Println("\nGroup summary:")
	for _, m := range metrics {
		fmt.Printf("  %s\n", m.name)
		for group, recs := range byGroup {
			ci, err := longitudinal.GroupCI(recs, m.fn, bootCfg)
			if err != nil {
				fmt.Printf("    %-10s no usable records\n", group)
				continue
			}
			fmt.Printf("    %-10s mean %.3f  CI [%.3f, %.3f]\n", group, ci.Mean, ci.Low, ci.High)
		}

		control, patients := byGroup["control"], byGroup["patient"]
		if len(control) == 0 || len(patients) == 0 {
			continue
		}
		ci, err := longitudinal.GroupCI(control, m.fn, bootCfg)
		if err != nil {
			continue
		}
		if flagged := longitudinal.FlagOutside(patients, m.fn, ci); len(flagged) > 0 {
			fmt.Printf("    outside control CI: %v\n", flagged)
		}

		a, b := longitudinal.Collect(patients, m.fn), longitudinal.Collect(control, m.fn)
		if len(a) > 0 && len(b) > 0 {
			diff, p, err := longitudinal.PermutationDiff(a, b, bootCfg)
			if err == nil {
				fmt.Printf("    patient-control difference %.3f (p = %.4f)\n", diff, p)
			}
		}
	}
}
