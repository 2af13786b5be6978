package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"mprengine/internal/models"
	"mprengine/pkg/config"
	"mprengine/pkg/export"
	"mprengine/pkg/ingest"
	"mprengine/pkg/lifecycle"
	"mprengine/pkg/logging"
	"mprengine/pkg/quality"
)

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Directory containing 2D slice images")
	configPath := flag.String("config", "mprengine.yaml", "Path to the YAML configuration file")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file to -config and exit")
	qualityName := flag.String("quality", "", "Quality profile: low, medium or high (overrides config)")
	orientationName := flag.String("orientation", "all", "Plane to sample: axial, sagittal, coronal or all")
	position := flag.Float64("position", 0.5, "Normalized plane position in [0, 1]")
	nativeGrid := flag.Bool("native-grid", false, "Sample one sagittal/coronal row per layer instead of resampling depth to the in-plane spacing")
	runDiagnostics := flag.Bool("diagnostics", false, "Run the fixed slice diagnostics after building")
	doExport := flag.Bool("export", false, "Export sampled planes")
	exportDir := flag.String("export-dir", "", "Directory for exported planes (overrides config)")
	formatName := flag.String("format", "", "Export format: png, jpeg or raw (overrides config)")
	count := flag.Int("count", 0, "Planes exported per orientation (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(cfg, *qualityName, *nativeGrid, *exportDir, *formatName, *count, *logLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid settings: %v", err)
	}

	logger, closer := logging.Setup(cfg.Logging)
	defer closer.Close()

	orientations, err := parseOrientations(*orientationName)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("================================")
	fmt.Println("MULTI-PLANAR RECONSTRUCTION")
	fmt.Println("================================")

	slices, err := ingest.LoadDirectory(*inputDir)
	if err != nil {
		log.Fatalf("Failed to load slices: %v", err)
	}
	fmt.Printf("Loaded %d slice files from %s\n", len(slices), *inputDir)

	manager := newManager(cfg, logger)
	defer manager.Dispose()

	startTime := time.Now()
	info, err := manager.Build(ctx, slices)
	if err != nil {
		log.Fatalf("Volume build failed: %v", err)
	}

	fmt.Printf("\nVolume built in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Geometry: %s\n", info.Geometry)
	fmt.Printf("Voxel buffer: %s\n", humanize.Bytes(info.Bytes))
	fmt.Printf("Fill ratio: %.2f%%\n", info.Geometry.FillRatio*100)
	fmt.Printf("Quality profile: %s\n", manager.Profile())
	if len(info.Warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range info.Warnings {
			fmt.Printf("- %s\n", w)
		}
	}

	fmt.Println("\nSampled planes:")
	for _, o := range orientations {
		plane, err := manager.Sample(ctx, o, *position)
		if err != nil {
			fmt.Printf("- %-8s unavailable: %v\n", o, err)
			continue
		}
		fmt.Printf("- %-8s index %d, %dx%d px, %.3gx%.3g mm/px, quality %.2f\n",
			o, plane.SliceIndex, plane.Width, plane.Height,
			plane.Spacing.Column, plane.Spacing.Row, plane.QualityScore)
	}

	if *runDiagnostics {
		fmt.Println("\nDiagnostics:")
		fmt.Print(manager.RunDiagnostics(ctx))
	}

	if *doExport {
		format, _ := export.ParseFormat(cfg.Output.Format)
		opts := export.Options{Format: format, JPEGQuality: cfg.Output.JPEGQuality}

		for _, o := range orientations {
			dir := filepath.Join(cfg.Output.Dir, o.String())
			files, err := export.SaveSequence(ctx, manager.Sample, o, dir, cfg.Output.Count, opts)
			if err != nil {
				log.Printf("Warning: Failed to export %s planes: %v", o, err)
			}
			fmt.Printf("Saved %d %s planes to: %s\n", len(files), o, dir)
		}
	}

	stats := manager.CacheStats()
	fmt.Printf("\nCache: %d hits, %d misses, %d entries (%s)\n",
		stats.Hits, stats.Misses, stats.Entries, humanize.Bytes(uint64(stats.Bytes)))
}

// newManager creates the session's volume manager from validated settings
func newManager(cfg *config.Config, logger zerolog.Logger) *lifecycle.Manager {
	profile, _ := quality.Parse(cfg.Engine.Quality)
	return lifecycle.New(lifecycle.Options{
		Profile:        profile,
		NativeGrid:     cfg.Engine.NativeGrid,
		FillThreshold:  cfg.Engine.FillThreshold,
		DefaultSpacing: cfg.Engine.DefaultSpacing,
		BuildWorkers:   cfg.Engine.Workers,
		Log:            logger,
	})
}

// applyFlags overrides config values with the flags that were set
func applyFlags(cfg *config.Config, qualityName string, nativeGrid bool, exportDir, format string, count int, logLevel string) {
	if qualityName != "" {
		cfg.Engine.Quality = strings.ToLower(qualityName)
	}
	if nativeGrid {
		cfg.Engine.NativeGrid = true
	}
	if exportDir != "" {
		cfg.Output.Dir = exportDir
	}
	if format != "" {
		if f, err := export.ParseFormat(format); err == nil {
			cfg.Output.Format = string(f)
		} else {
			cfg.Output.Format = format
		}
	}
	if count > 0 {
		cfg.Output.Count = count
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

func parseOrientations(name string) ([]models.Orientation, error) {
	if strings.EqualFold(name, "all") {
		return models.Orientations, nil
	}
	o, err := models.ParseOrientation(name)
	if err != nil {
		return nil, err
	}
	return []models.Orientation{o}, nil
}
