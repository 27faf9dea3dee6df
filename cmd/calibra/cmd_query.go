package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/obsforge/calibra/internal/logging"
	"github.com/obsforge/calibra/internal/obs"
)

var (
	flagObsFile string
	flagItems   []string
	flagFilter  string
)

// observationFile is the YAML form of an observation context.
type observationFile struct {
	Header     map[string]interface{} `yaml:"header"`
	UserHeader map[string]interface{} `yaml:"user_header"`
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Resolve calibrations for one observation",
	Long: `query reads an observation's headers from a YAML file and prints the
calibration each requested item resolves to. With --filter it also
resolves the sky opacity for that filter.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.Server.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		engine, tauResolver, err := buildEngine(cfg, logger, nil)
		if err != nil {
			return err
		}
		defer engine.Close()

		data, err := os.ReadFile(flagObsFile)
		if err != nil {
			return fmt.Errorf("read observation file: %w", err)
		}
		var of observationFile
		if err := yaml.Unmarshal(data, &of); err != nil {
			return fmt.Errorf("parse observation file: %w", err)
		}
		octx := obs.New(of.Header, of.UserHeader)

		items := flagItems
		if len(items) == 0 {
			items = engine.Items()
		}
		failed := false
		for _, item := range items {
			res, err := engine.Get(item, octx)
			switch {
			case err != nil:
				failed = true
				fmt.Printf("%-16s ERROR %v\n", item, err)
			case res.File != "":
				fmt.Printf("%-16s %s\n", item, res.File)
			case len(res.List) > 0:
				fmt.Printf("%-16s %s\n", item, strings.Join(res.List, ","))
			case len(res.Values) > 0:
				fmt.Printf("%-16s %v\n", item, res.Values)
			default:
				fmt.Printf("%-16s (none, optional)\n", item)
			}
		}

		if flagFilter != "" {
			value, err := tauResolver.TauForFilter(octx, flagFilter)
			if err != nil {
				failed = true
				fmt.Printf("%-16s ERROR %v\n", "tau["+flagFilter+"]", err)
			} else {
				fmt.Printf("%-16s %.4f\n", "tau["+flagFilter+"]", value)
			}
		}
		if failed {
			return fmt.Errorf("one or more calibrations could not be resolved")
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVarP(&flagObsFile, "obs", "o", "", "YAML file with the observation headers")
	queryCmd.Flags().StringSliceVar(&flagItems, "item", nil, "calibration item to resolve (repeatable; default all)")
	queryCmd.Flags().StringVar(&flagFilter, "filter", "", "also resolve tau for this filter")
	_ = queryCmd.MarkFlagRequired("obs")
	rootCmd.AddCommand(queryCmd)
}
