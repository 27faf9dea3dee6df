package main

import (
	"github.com/spf13/cobra"
)

var (
	flagConfig     string
	flagCalDir     string
	flagOutDir     string
	flagInstrument string
	flagLogLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "calibra",
	Short: "Calibration selection for astronomical data reduction",
	Long: `calibra selects the calibration observation (dark, flat, mask,
opacity, ...) that applies to a science frame, by rule-filtered
nearest-in-time queries over per-item index files.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagCalDir, "cal-dir", "", "shared calibration directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagOutDir, "out-dir", "", "per-run output directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagInstrument, "instrument", "", "instrument name (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
}
