package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ssd-technologies/chainops/internal/catalog"
	"github.com/ssd-technologies/chainops/internal/config"
)

var validateDataDir string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the ability and adversary catalog and report problems",
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	dir := validateDataDir
	if dir == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		dir = cfg.Catalog.DataDir
	}

	cat := catalog.New()
	err := cat.Load(dir)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d abilities, %d adversaries\n", dir, len(cat.Abilities()), len(cat.Adversaries()))
	for _, adv := range cat.Adversaries() {
		fmt.Fprintf(out, "  %s (%s): %d phases\n", adv.ID, adv.Name, len(adv.Phases))
	}
	if err != nil {
		return fmt.Errorf("catalog %s is invalid:\n%w", dir, err)
	}
	return nil
}
