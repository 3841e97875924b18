package main

import (
	"bytes"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run SCRIPT.yaml...",
		Short: "Replay scripts and print their reads",
		Long: `Replay each script against its own workbook and print the cells it reads.

Scripts run in parallel; output is printed in argument order.`,
		Args: cobra.MinimumNArgs(1),
		RunE: a.runScripts,
	}
}

func (a *app) runScripts(cmd *cobra.Command, paths []string) error {
	outputs := make([]bytes.Buffer, len(paths))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		g.Go(func() error {
			script, err := loadScript(path)
			if err != nil {
				return err
			}
			logger := a.logger.With("script", path)
			wb := a.newWorkbook(logger)
			if err := script.replay(ctx, wb, &outputs[i]); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			logger.Info("script replayed", "steps", len(script.Steps),
				"counter", wb.RecalculationCounter())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, path := range paths {
		if len(paths) > 1 {
			fmt.Fprintf(out, "== %s\n", path)
		}
		if _, err := outputs[i].WriteTo(out); err != nil {
			return err
		}
	}
	return nil
}
