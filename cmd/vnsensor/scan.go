package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/vnsensor/internal/regscan"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "save and restore sensor configuration",
		Long: `scan saves register values to a file and restores them later.
Files ending in .yaml or .yml are written as YAML; anything else is one
$VNRRG sentence per line.`,
	}

	var (
		ids        []int
		nonDefault bool
	)
	save := &cobra.Command{
		Use:     "save <file>",
		Short:   "read registers into a file",
		Example: "  vnsensor scan save sensor.txt\n  vnsensor scan save sensor.yaml --ids 0,6,7 --non-default",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := loadApp()
			ctx := cmd.Context()
			if err := a.connectVerified(ctx); err != nil {
				return err
			}
			defer a.sensor.Close()

			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			w := regscan.NewWriter(regscan.FormatFor(args[0]), f)
			if nonDefault {
				log.Warnf("[scan] non-default save restores factory settings before writing your values back")
				err = regscan.SaveNonDefault(ctx, a.sensor, w, ids)
			} else {
				err = regscan.Save(ctx, a.sensor, w, ids)
			}
			if err != nil {
				w.Close()
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", args[0])
			return nil
		},
	}
	save.Flags().IntSliceVar(&ids, "ids", nil, "registers to save (default: configuration registers)")
	save.Flags().BoolVar(&nonDefault, "non-default", false, "only save registers that differ from factory defaults")

	load := &cobra.Command{
		Use:   "load <file>",
		Short: "restore registers from a file, then save and reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r, err := regscan.NewReader(regscan.FormatFor(args[0]), f)
			if err != nil {
				return err
			}

			a := loadApp()
			if err := a.connectVerified(cmd.Context()); err != nil {
				return err
			}
			defer a.sensor.Close()

			if err := regscan.Load(cmd.Context(), a.sensor, r); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(save, load)
	return cmd
}
