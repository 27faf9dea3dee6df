package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/obsforge/calibra/internal/index"
	"github.com/obsforge/calibra/internal/logging"
	"github.com/obsforge/calibra/internal/rules"
)

var (
	flagIndexName   string
	flagArchiveOut  string
	flagIndexStatic bool
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect and archive calibration index files",
}

var indexListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the entries of one index",
	RunE: func(cmd *cobra.Command, args []string) error {
		ix, err := openNamedIndex()
		if err != nil {
			return err
		}
		for _, key := range ix.Keys() {
			entry, err := ix.GetEntry(key)
			if err != nil {
				return err
			}
			fmt.Printf("%s %v\n", key, entry.Values)
		}
		return nil
	},
}

var indexArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Write a gzip snapshot of one index",
	RunE: func(cmd *cobra.Command, args []string) error {
		ix, err := openNamedIndex()
		if err != nil {
			return err
		}
		out, err := os.Create(flagArchiveOut)
		if err != nil {
			return err
		}
		defer out.Close()
		return ix.Archive(out)
	},
}

func openNamedIndex() (*index.Index, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Server.LogLevel)
	if err != nil {
		return nil, err
	}
	rset, err := rules.Load(flagIndexName, []string{cfg.Paths.OutDir, cfg.Paths.CalDir})
	if err != nil {
		return nil, err
	}
	dir := cfg.Paths.OutDir
	if flagIndexStatic {
		dir = cfg.Paths.CalDir
	}
	return index.Open(filepath.Join(dir, "index."+flagIndexName), rset,
		index.Options{Static: flagIndexStatic, Logger: logger})
}

func init() {
	indexCmd.PersistentFlags().StringVar(&flagIndexName, "name", "", "index name, e.g. dark or flat_sp")
	indexCmd.PersistentFlags().BoolVar(&flagIndexStatic, "static", false, "read the static calibration-directory index")
	_ = indexCmd.MarkPersistentFlagRequired("name")
	indexArchiveCmd.Flags().StringVar(&flagArchiveOut, "out", "", "output .gz path")
	_ = indexArchiveCmd.MarkFlagRequired("out")
	indexCmd.AddCommand(indexListCmd, indexArchiveCmd)
	rootCmd.AddCommand(indexCmd)
}
