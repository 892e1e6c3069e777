package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"yashubustudio/nbestscore/internal/logx"
	"yashubustudio/nbestscore/internal/metrics"
	"yashubustudio/nbestscore/lm"
	"yashubustudio/nbestscore/rescorer"
)

type cliOptions struct {
	configPath  string
	initConfig  bool
	testSet     string
	nbest       int
	inputDir    string
	outputDir   string
	logLevel    string
	logFile     string
	device      string
	metricsFile string
	normalize   bool
	noProgress  bool
	set         map[string]bool
}

func main() {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "nbest-rescore: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		logx.Log.Error().Err(err).Msg("nbest-rescore failed")
		logx.Close()
		os.Exit(1)
	}
	logx.Close()
}

func parseFlags(fs *flag.FlagSet, args []string) (cliOptions, error) {
	var opts cliOptions
	fs.StringVar(&opts.configPath, "config", "", "Path to config.json or config.yaml (default: ./config.json)")
	fs.BoolVar(&opts.initConfig, "init-config", false, "Write the effective configuration to --config and exit")
	fs.StringVar(&opts.testSet, "test_set", "", "Test set name; reads hyp_dict_<test_set>.json (default: test_other)")
	fs.IntVar(&opts.nbest, "nbest", 0, "Number of leading hypotheses scored per utterance (default: 10)")
	fs.StringVar(&opts.inputDir, "input-dir", "", "Directory holding the hypothesis dictionary")
	fs.StringVar(&opts.outputDir, "output-dir", "", "Directory the rescored dictionary is written to")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error, none")
	fs.StringVar(&opts.logFile, "log-file", "", "Also write JSON logs to this rotating file")
	fs.StringVar(&opts.device, "device", "", "Inference device: auto, cpu, cuda")
	fs.StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file after the run")
	fs.BoolVar(&opts.normalize, "normalize", false, "Apply NFKC normalization to hypotheses before scoring")
	fs.BoolVar(&opts.noProgress, "no-progress", false, "Disable the progress bar")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [--test_set NAME] [--nbest N] [options]\n\n", filepath.Base(os.Args[0]))
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })

	opts.configPath = strings.TrimSpace(opts.configPath)
	opts.testSet = strings.TrimSpace(opts.testSet)
	if opts.set["nbest"] && opts.nbest < 1 {
		return opts, fmt.Errorf("--nbest must be positive, got %d", opts.nbest)
	}
	if opts.set["test_set"] && opts.testSet == "" {
		return opts, errors.New("--test_set must not be empty")
	}
	return opts, nil
}

// applyFlags overrides configuration values with explicitly set flags.
func applyFlags(cfg *rescorer.Config, opts cliOptions) {
	if opts.set["test_set"] {
		cfg.TestSet = opts.testSet
	}
	if opts.set["nbest"] {
		cfg.NBest = opts.nbest
	}
	if opts.set["input-dir"] {
		cfg.InputDir = opts.inputDir
	}
	if opts.set["output-dir"] {
		cfg.OutputDir = opts.outputDir
	}
	if opts.set["log-level"] {
		cfg.Log.Level = opts.logLevel
	}
	if opts.set["log-file"] {
		cfg.Log.File = opts.logFile
	}
	if opts.set["device"] {
		cfg.Device = opts.device
	}
	if opts.set["metrics-file"] {
		cfg.MetricsFile = opts.metricsFile
	}
	if opts.set["normalize"] {
		cfg.Normalize = opts.normalize
	}
	if opts.set["no-progress"] {
		cfg.Progress = !opts.noProgress
	}
}

func run(opts cliOptions) error {
	cfg, err := rescorer.LoadConfig(opts.configPath)
	if err != nil && !opts.initConfig {
		return fmt.Errorf("load config: %w", err)
	}
	if err != nil {
		cfg = rescorer.DefaultConfig()
	}
	applyFlags(&cfg, opts)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if opts.initConfig {
		return rescorer.SaveConfig(opts.configPath, cfg)
	}

	logx.Configure(cfg.Log.Level, logx.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	logger := logx.Log.With().Str("run", uuid.NewString()).Logger()

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	inputPath := rescorer.InputPath(cfg.InputDir, cfg.TestSet)
	outputPath := rescorer.OutputPath(cfg.OutputDir, cfg.NBest, cfg.TestSet)

	dict, err := rescorer.LoadHypotheses(inputPath)
	if err != nil {
		return err
	}
	logger.Info().Str("input", inputPath).Int("utterances", len(dict.Utterances)).Int("nbest", cfg.NBest).Msg("loaded hypotheses")

	service, err := newService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := service.Close(); err != nil {
			logger.Warn().Err(err).Msg("close service")
		}
	}()

	start := time.Now()
	if err := service.RescoreAll(ctx, dict); err != nil {
		return fmt.Errorf("rescore: %w", err)
	}
	if err := rescorer.WriteHypotheses(outputPath, dict); err != nil {
		return err
	}
	logger.Info().Str("output", outputPath).Dur("elapsed", time.Since(start)).Msg("wrote rescored hypotheses")

	if cfg.MetricsFile != "" {
		if err := metrics.WriteFile(cfg.MetricsFile, reg); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

func newService(ctx context.Context, cfg rescorer.Config, logger zerolog.Logger) (*rescorer.Service, error) {
	cache, err := rescorer.NewScoreCache(ctx, cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	models := make([]rescorer.NamedModel, 0, len(cfg.Models))
	closeAll := func() {
		for _, nm := range models {
			_ = nm.Model.Close()
		}
		_ = cache.Close()
	}
	for _, mc := range cfg.Models {
		m, err := rescorer.NewOrtModel(mc, cfg.OrtDLL, cfg.Device, cfg.DeviceID)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init model: %w", err)
		}
		if m.Device() == lm.DeviceCPU && cfg.Device != lm.DeviceCPU {
			logger.Info().Str("model", mc.Name).Msg("no GPU available, using the CPU instead")
		}
		logger.Info().Str("model", mc.Name).Str("kind", string(mc.Kind)).Str("device", m.Device()).Msg("model loaded")
		models = append(models, rescorer.NamedModel{Name: mc.Name, Model: m})
	}

	svcOpts := []rescorer.Option{rescorer.WithCache(cache)}
	if cfg.Progress {
		svcOpts = append(svcOpts, rescorer.WithProgress(os.Stderr))
	}
	service, err := rescorer.NewService(models, cfg, logger, svcOpts...)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init service: %w", err)
	}
	return service, nil
}
