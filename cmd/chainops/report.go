package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssd-technologies/chainops/internal/agent"
	"github.com/ssd-technologies/chainops/internal/catalog"
	"github.com/ssd-technologies/chainops/internal/config"
	"github.com/ssd-technologies/chainops/internal/operation"
	"github.com/ssd-technologies/chainops/internal/report"
	"github.com/ssd-technologies/chainops/internal/storage"
)

var (
	reportDB     string
	reportOp     string
	reportOut    string
	reportOutput bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Build the report of a stored operation",
	RunE:  runReport,
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	path := reportDB
	if path == "" {
		path = cfg.Storage.Path
	}

	cat := catalog.New()
	if err := cat.Load(cfg.Catalog.DataDir); err != nil {
		logger.Warn("catalog loaded with errors", zap.Error(err))
	}
	db, err := storage.NewDB(path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	// A read-only arena: nothing is persisted back.
	reg := agent.NewRegistry(cfg.Agents.SleepMin, cfg.Agents.SleepMax)
	ops := operation.NewManager(operation.Options{Catalog: cat, Agents: reg, Logger: logger})
	if err := restore(db, reg, ops); err != nil {
		return err
	}
	op, err := ops.Lookup(reportOp)
	if err != nil {
		return err
	}

	rep, err := report.Build(op.View(reportOutput), cat, reportOutput, time.Now())
	if err != nil {
		return err
	}
	if reportOut != "" {
		file, err := rep.Write(reportOut)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), file)
		return nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "    ")
	return enc.Encode(rep)
}
