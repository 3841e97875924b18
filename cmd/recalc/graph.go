package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newGraphCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "graph SCRIPT.yaml",
		Short: "Replay a script and print its formula cells and precedents",
		Args:  cobra.ExactArgs(1),
		RunE:  a.graph,
	}
}

func (a *app) graph(cmd *cobra.Command, args []string) error {
	script, err := loadScript(args[0])
	if err != nil {
		return err
	}
	wb := a.newWorkbook(a.logger.With("script", args[0]))
	if err := script.replay(cmd.Context(), wb, io.Discard); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	for _, info := range wb.Describe() {
		var flags []string
		if info.Dirty {
			flags = append(flags, "dirty")
		}
		if info.Broken {
			flags = append(flags, "broken")
		}
		line := fmt.Sprintf("%s %s", info.Cell, info.Formula)
		if len(info.Precedents) > 0 {
			line += " <- " + strings.Join(info.Precedents, ", ")
		}
		if len(flags) > 0 {
			line += " [" + strings.Join(flags, ",") + "]"
		}
		fmt.Fprintln(out, line)
	}
	st := wb.Stats()
	fmt.Fprintf(out, "formulas=%d dirty=%d broken=%d edges=%d counter=%d\n",
		st.Formulas, st.Dirty, st.Broken, st.Edges, st.Counter)
	return nil
}
