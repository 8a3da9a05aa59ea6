package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/kartikbazzad/mppdispatch/internal/dispatch"
	dserrors "github.com/kartikbazzad/mppdispatch/internal/errors"
	"github.com/kartikbazzad/mppdispatch/internal/slice"
	"github.com/kartikbazzad/mppdispatch/internal/utility"
)

const prompt = "mppdisp> "

func shellCmd() *cobra.Command {
	var segments []string
	var readers int

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell dispatching each statement to the segments",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ids := []int{slice.WriterGangID}
			for i := 0; i < readers; i++ {
				ids = append(ids, slice.WriterGangID+1+i)
			}
			reg, err := dialGangs(ctx, segments, ids)
			if err != nil {
				return err
			}
			defer reg.Close()

			d, err := newDispatcher(reg)
			if err != nil {
				return err
			}
			defer d.Close()

			line := liner.NewLiner()
			defer line.Close()
			line.SetCtrlCAborts(true)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Connected to %d segments. Type '\\q' to quit.\n\n", len(segments))
			for {
				input, err := line.Prompt(prompt)
				if err != nil {
					if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
						fmt.Fprintln(out)
						return nil
					}
					return err
				}
				input = strings.TrimSpace(input)
				if input == "" {
					continue
				}
				line.AppendHistory(input)

				switch input {
				case `\q`, "exit", "quit":
					return nil
				case `\stats`:
					printStats(cmd, d.Stats())
					continue
				}

				if err := runStatement(ctx, d, input); err != nil {
					fmt.Fprintf(out, "ERROR %s: %v\n\n", dserrors.CodeOf(err), err)
					continue
				}
				fmt.Fprintln(out, "OK")
				fmt.Fprintln(out)
			}
		},
	}
	cmd.Flags().StringSliceVar(&segments, "segments", nil, "Segment addresses host:port, in content order")
	cmd.Flags().IntVar(&readers, "readers", 0, "Idle reader gangs to open besides the writer")
	_ = cmd.MarkFlagRequired("segments")
	return cmd
}

// runStatement routes SET and RESET to every gang, other utility
// statements with their parse tree, and everything else as plain text.
func runStatement(ctx context.Context, d *dispatch.Dispatcher, text string) error {
	stmt, err := utility.Parse(text)
	if err != nil {
		return err
	}
	switch {
	case stmt.IsSet():
		return d.SetGucOnAllGangs(ctx, text, true, false)
	case stmt.Kind == utility.KindUtility:
		return d.DoUtilityStatement(ctx, text, false)
	default:
		return d.DoCommand(ctx, text, true, stmt.Kind == utility.KindDML)
	}
}

func printStats(cmd *cobra.Command, s dispatch.StatsSnapshot) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "plans: %d  slices: %d  max slices/plan: %d  commands: %d  cancelled: %d\n",
		s.Plans, s.Slices, s.MaxSlicesPerPlan, s.Commands, s.Cancelled)
	categories := make([]string, 0, len(s.Errors))
	for c := range s.Errors {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		fmt.Fprintf(out, "  %s errors: %d\n", c, s.Errors[c])
	}
	fmt.Fprintln(out)
}
