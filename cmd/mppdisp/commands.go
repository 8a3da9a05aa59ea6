package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kartikbazzad/mppdispatch/internal/dispatch"
	"github.com/kartikbazzad/mppdispatch/internal/dtx"
	"github.com/kartikbazzad/mppdispatch/internal/gang"
	"github.com/kartikbazzad/mppdispatch/internal/ipc"
	"github.com/kartikbazzad/mppdispatch/internal/result"
	"github.com/kartikbazzad/mppdispatch/internal/slice"
	"github.com/kartikbazzad/mppdispatch/internal/wire"
)

func segmentCmd() *cobra.Command {
	var listen string
	var content int

	cmd := &cobra.Command{
		Use:   "segment",
		Short: "Run a segment that accepts and logs dispatched queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := cfg.Segment
			if listen != "" {
				sc.ListenAddr = listen
			}
			server := ipc.NewServer(sc, content, ipc.ExecutorFunc(logQuery(content)), log)
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start segment: %w", err)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			log.Info("Shutting down...")
			return server.Stop()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from config)")
	cmd.Flags().IntVar(&content, "content", 0, "Content id of this segment")
	return cmd
}

// logQuery returns an executor that logs every query and answers with
// the command's leading keyword as its tag.
func logQuery(content int) func(context.Context, *wire.Query) (*gang.Reply, error) {
	return func(ctx context.Context, q *wire.Query) (*gang.Reply, error) {
		attrs := []any{
			"content", content,
			"slice", q.LocalSlice,
			"root", q.RootIndex,
			"command_count", q.CommandCount,
			"command", q.Command,
			"plan_bytes", len(q.Plan),
			"querytree_bytes", len(q.Querytree),
		}
		if params, err := wire.DecodeParams(q.Params); err == nil && len(params) > 0 {
			attrs = append(attrs, "params", len(params))
		}
		if txn, err := dtx.Unmarshal(q.TxnContext); err == nil {
			attrs = append(attrs, "dxid", txn.DistributedXID, "caller", txn.Caller)
		}
		log.Info("Query received", attrs...)

		tag := "OK"
		if fields := strings.Fields(q.Command); len(fields) > 0 {
			tag = strings.ToUpper(fields[0])
		}
		return &gang.Reply{Tag: tag}, nil
	}
}

func orderCmd() *cobra.Command {
	var planPath string

	cmd := &cobra.Command{
		Use:   "order",
		Short: "Print the dispatch order of a plan file",
		RunE: func(cmd *cobra.Command, args []string) error {
			pf, err := loadPlanFile(planPath)
			if err != nil {
				return err
			}
			order, err := slice.Schedule(pf.Table, pf.Root)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SLICE\tGANG\tTYPE\tDEPENDENTS\tDISPATCH")
			for _, e := range order.Entries {
				fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%v\n", e.Index, e.Slice.GangID, e.Slice.GangType, e.Dependents, e.Slice.Resolved())
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "participants: %d\n", order.Participants)
			return nil
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "Plan file (JSON)")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func dispatchCmd() *cobra.Command {
	var planPath string
	var segments []string
	var cancelOnError bool

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch a plan file to a set of segments",
		RunE: func(cmd *cobra.Command, args []string) error {
			pf, err := loadPlanFile(planPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg, err := dialGangs(ctx, segments, planGangs(pf.Table))
			if err != nil {
				return err
			}
			defer reg.Close()

			d, err := newDispatcher(reg)
			if err != nil {
				return err
			}
			defer d.Close()

			st, err := d.DispatchPlan(ctx, pf.Plan(), cancelOnError)
			defer st.Destroy()
			if err == nil {
				err = st.Finish()
			}
			printResults(cmd, st.Results())
			return err
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "Plan file (JSON)")
	cmd.Flags().StringSliceVar(&segments, "segments", nil, "Segment addresses host:port, in content order")
	cmd.Flags().BoolVar(&cancelOnError, "cancel-on-error", true, "Cancel remaining work on the first failure")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("segments")
	return cmd
}

func setCmd() *cobra.Command {
	var segments []string
	var readers int
	var twoPhase bool

	cmd := &cobra.Command{
		Use:   `set "SET name = value"`,
		Short: "Send a SET or RESET to the writer gang and every idle reader gang",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

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

			if err := d.SetGucOnAllGangs(ctx, args[0], true, twoPhase); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s sent to %d gangs\n", strings.TrimSpace(args[0]), len(ids))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&segments, "segments", nil, "Segment addresses host:port, in content order")
	cmd.Flags().IntVar(&readers, "readers", 0, "Idle reader gangs to open besides the writer")
	cmd.Flags().BoolVar(&twoPhase, "two-phase", false, "Run under a distributed transaction")
	_ = cmd.MarkFlagRequired("segments")
	return cmd
}

func newDispatcher(reg *gang.Registry) (*dispatch.Dispatcher, error) {
	return dispatch.New(cfg.Dispatch, reg, dtx.NewLocalProvider(),
		dispatch.WithLogger(log),
		dispatch.WithMetrics(met))
}

// planGangs returns the distinct gang ids named by resolved slices.
func planGangs(t *slice.Table) []int {
	var ids []int
	for _, s := range t.Slices {
		if s != nil && s.Resolved() && !slices.Contains(ids, s.GangID) {
			ids = append(ids, s.GangID)
		}
	}
	slices.Sort(ids)
	return ids
}

// dialGangs opens one gang per id over the same segments. The writer gang
// id gets a writer gang; every other id a reader gang.
func dialGangs(ctx context.Context, addrs []string, ids []int) (*gang.Registry, error) {
	segs, err := ipc.ParseSegments(addrs)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, errors.New("no segments given")
	}
	reg := gang.NewRegistry(len(segs))
	for _, id := range ids {
		typ := gang.TypeReader
		if id == slice.WriterGangID {
			typ = gang.TypeWriter
		}
		g, err := ipc.DialGang(ctx, id, typ, segs, cfg.Segment.DialTimeout)
		if err != nil {
			reg.Close()
			return nil, err
		}
		if err := reg.Add(g); err != nil {
			for _, c := range g.Conns {
				if closer, ok := c.(io.Closer); ok {
					closer.Close()
				}
			}
			reg.Close()
			return nil, err
		}
		log.Debug("Gang connected", "gang", id, "type", typ, "segments", len(segs))
	}
	return reg, nil
}

func printResults(cmd *cobra.Command, results []result.SegmentResult) {
	slices.SortFunc(results, func(a, b result.SegmentResult) int {
		if a.SliceIndex != b.SliceIndex {
			return a.SliceIndex - b.SliceIndex
		}
		return a.Segment.ContentID - b.Segment.ContentID
	})
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLICE\tGANG\tSEGMENT\tOUTCOME\tDURATION\tDETAIL")
	for _, r := range results {
		detail := ""
		switch {
		case r.Err != nil:
			detail = r.Err.Error()
		case r.Reply != nil:
			detail = r.Reply.Tag
		}
		fmt.Fprintf(w, "%d\t%d\tseg%d\t%s\t%s\t%s\n", r.SliceIndex, r.GangID, r.Segment.ContentID, r.Outcome, r.Duration.Round(time.Microsecond), detail)
	}
	_ = w.Flush()
}
