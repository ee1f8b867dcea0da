package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"prmtopo/pkg/config"
	"prmtopo/pkg/pipeline"
	"prmtopo/pkg/prm"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "Subject YAML config, or a directory of configs with -batch")
	batch := flag.Bool("batch", false, "Process every *.yaml/*.yml config in the -config directory")
	concurrency := flag.Int("concurrency", 1, "Number of subjects processed at once in batch mode")
	skipLocal := flag.Bool("skip-local", false, "Skip the local (moving window) topology branch")
	numWorkers := flag.Int("workers", 0, "Goroutines for the local sampler (default: config value)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	initConfig := flag.String("init-config", "", "Write a default config to this path and exit")
	flag.Parse()

	logger := initLogger(*debug)

	if *initConfig != "" {
		if err := config.CreateDefaultConfigFile(*initConfig); err != nil {
			logger.WithError(err).Fatal("Failed to write default config")
		}
		logger.WithField("file", *initConfig).Info("Default config written")
		return
	}

	// Validate inputs
	if *configPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	override := func(cfg *config.Config) {
		if *skipLocal {
			cfg.Topology.Local = false
		}
		if *numWorkers > 0 {
			cfg.Topology.NumWorkers = *numWorkers
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := pipeline.NewRunner(logger)
	startTime := time.Now()

	if *batch {
		res, err := runner.RunBatch(ctx, *configPath, *concurrency, override)
		if err != nil {
			logger.WithError(err).Fatal("Batch failed")
		}
		logger.WithFields(logrus.Fields{
			"run":       res.RunID,
			"succeeded": len(res.Succeeded),
			"failed":    len(res.Failed),
			"elapsed":   time.Since(startTime).Round(time.Millisecond).String(),
		}).Info("Batch finished")
		if len(res.Failed) > 0 {
			os.Exit(2)
		}
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}
	override(cfg)

	rec, err := runner.Run(ctx, cfg)
	if err != nil {
		logger.WithError(err).WithField("subject", cfg.Subject.ID).Fatal("Processing failed")
	}

	fmt.Printf("\nSubject %s completed in %.2f seconds\n", rec.SubjectID, time.Since(startTime).Seconds())
	fmt.Printf("=======================================\n")
	for _, c := range prm.Classes() {
		g := rec.Global(c)
		fmt.Printf("%-9s %6.2f%%  vol %.4f  surf_area %.4f  curv %.4f  euler %.6f\n",
			c, rec.Percent(c), g[0], g[1], g[2], g[3])
	}
	fmt.Printf("Stats appended to: %s\n", cfg.StatsPath())
}

func initLogger(debugMode bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if debugMode {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
		logger.Debug("Debug logging enabled")
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	logger.WithField("cpus", runtime.NumCPU()).Debug("Runtime")
	return logger
}
