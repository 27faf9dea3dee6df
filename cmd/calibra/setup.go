package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/obsforge/calibra/internal/cal"
	"github.com/obsforge/calibra/internal/config"
	"github.com/obsforge/calibra/internal/index"
	"github.com/obsforge/calibra/internal/instrument"
	"github.com/obsforge/calibra/internal/metrics"
	"github.com/obsforge/calibra/internal/rules"
	"github.com/obsforge/calibra/internal/tau"
)

// loadConfig builds the effective configuration: file, environment, then
// command-line flags, in increasing precedence.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if flagConfig != "" {
		c, err := config.Load(flagConfig)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = config.Default()
		config.LoadFromEnv(cfg)
	}
	if flagCalDir != "" {
		cfg.Paths.CalDir = flagCalDir
	}
	if flagOutDir != "" {
		cfg.Paths.OutDir = flagOutDir
	}
	if flagInstrument != "" {
		cfg.Instrument = flagInstrument
	}
	if flagLogLevel != "" {
		cfg.Server.LogLevel = flagLogLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildEngine assembles the calibration engine and the tau resolver for
// the configured instrument.
func buildEngine(cfg *config.Config, logger *zap.Logger, met *metrics.Metrics) (*cal.Engine, *tau.Tau, error) {
	specs, err := instrument.Lookup(cfg.Instrument)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(cfg.Paths.OutDir, 0750); err != nil {
		return nil, nil, fmt.Errorf("create output directory: %w", err)
	}
	engine, err := cal.New(cal.Config{
		CalDir:       cfg.Paths.CalDir,
		OutDir:       cfg.Paths.OutDir,
		WatchDynamic: cfg.Query.WatchIndexes,
		Quiet:        cfg.Query.Quiet,
	}, specs, logger, met)
	if err != nil {
		return nil, nil, err
	}

	system, err := tau.ParseSystem(cfg.Tau.System)
	if err != nil {
		engine.Close()
		return nil, nil, err
	}
	opts := tau.Options{
		System:   system,
		FixedCSO: cfg.Tau.FixedCSO,
		Logger:   logger,
		Quiet:    cfg.Query.Quiet,
	}
	// The skydip and csofit indexes are optional: header-driven tau
	// systems work without them.
	opts.Skydip = openOptionalIndex(cfg, logger, "skydip", filepath.Join(cfg.Paths.OutDir, "index.skydip"), false)
	opts.CSOFit = openOptionalIndex(cfg, logger, "csofit", filepath.Join(cfg.Paths.CalDir, "index.csofit"), true)

	return engine, tau.New(opts), nil
}

func openOptionalIndex(cfg *config.Config, logger *zap.Logger, name, path string, static bool) *index.Index {
	rset, err := rules.Load(name, []string{cfg.Paths.OutDir, cfg.Paths.CalDir})
	if err != nil {
		logger.Debug("optional index unavailable", zap.String("name", name), zap.Error(err))
		return nil
	}
	ix, err := index.Open(path, rset, index.Options{Static: static, Logger: logger})
	if err != nil {
		logger.Warn("optional index unreadable", zap.String("name", name), zap.Error(err))
		return nil
	}
	return ix
}
