// Package dispatch fans encoded query messages out to gangs of segment
// connections and collects their outcomes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/mppdispatch/internal/config"
	"github.com/kartikbazzad/mppdispatch/internal/dtx"
	dserrors "github.com/kartikbazzad/mppdispatch/internal/errors"
	"github.com/kartikbazzad/mppdispatch/internal/gang"
	"github.com/kartikbazzad/mppdispatch/internal/logger"
	"github.com/kartikbazzad/mppdispatch/internal/memory"
	"github.com/kartikbazzad/mppdispatch/internal/metrics"
	"github.com/kartikbazzad/mppdispatch/internal/result"
	"github.com/kartikbazzad/mppdispatch/internal/serial"
	"github.com/kartikbazzad/mppdispatch/internal/slice"
	"github.com/kartikbazzad/mppdispatch/internal/utility"
	"github.com/kartikbazzad/mppdispatch/internal/wire"
)

// Dispatcher sends plans and commands to the gangs of a Pool.
type Dispatcher struct {
	cfg        config.DispatchConfig
	pool       gang.Pool
	txn        dtx.Provider
	serializer *serial.Serializer
	encoder    *wire.Encoder
	statements *utility.Cache
	session    wire.Session
	logger     *slog.Logger
	metrics    *metrics.Metrics
	classifier *dserrors.Classifier
	tracker    *dserrors.ErrorTracker
	stats      *Stats

	commandCount atomic.Uint32
}

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithSession sets the user identity encoded into every message.
func WithSession(s wire.Session) Option {
	return func(d *Dispatcher) { d.session = s }
}

func WithBufferPool(p *memory.BufferPool) Option {
	return func(d *Dispatcher) { d.encoder = wire.NewEncoder(p, d.cfg.MaxPlanSizeKB) }
}

func New(cfg config.DispatchConfig, pool gang.Pool, txn dtx.Provider, opts ...Option) (*Dispatcher, error) {
	if pool == nil {
		return nil, errors.New("dispatch: nil gang pool")
	}
	if txn == nil {
		txn = dtx.NewLocalProvider()
	}
	serializer, err := serial.New(cfg.PlanCodec)
	if err != nil {
		return nil, err
	}
	statements, err := utility.NewCache(utility.DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		cfg:        cfg,
		pool:       pool,
		txn:        txn,
		serializer: serializer,
		encoder:    wire.NewEncoder(nil, cfg.MaxPlanSizeKB),
		statements: statements,
		logger:     logger.Get(),
		classifier: dserrors.NewClassifier(),
		tracker:    dserrors.NewErrorTracker(),
		stats:      &Stats{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.stats.tracker = d.tracker
	return d, nil
}

// Close releases codec resources.
func (d *Dispatcher) Close() {
	d.serializer.Close()
}

// Stats returns a snapshot of the dispatcher's counters.
func (d *Dispatcher) Stats() StatsSnapshot {
	return d.stats.Snapshot()
}

// Plan is a partitioned plan ready for dispatch.
type Plan struct {
	Table *slice.Table
	Root  int
	// Tree is the plan tree; it is serialized as the plantree section.
	Tree any
	// Params are external parameter values bound to the statement.
	Params      []wire.Param
	Command     string
	IsCursor    bool
	RequiresTxn bool
}

// CommandOptions control command and utility dispatch.
type CommandOptions struct {
	CancelOnError bool
	NeedTwoPhase  bool
	WithSnapshot  bool
}

// round is one slice sent to every destination connection.
type round struct {
	slice int
	gang  *gang.Gang
	conns []gang.Conn
}

// DispatchPlan sends every dispatchable slice of p to its gang, one round
// per slice in scheduled order. Validation, encoding and budget errors are
// returned before any connection is touched, with a nil State. Once
// dispatch begins the State is returned even on error and the caller must
// Destroy it.
func (d *Dispatcher) DispatchPlan(ctx context.Context, p *Plan, cancelOnError bool) (*State, error) {
	if p == nil || p.Table == nil {
		return nil, errors.New("dispatch: plan has no slice table")
	}
	if p.Tree == nil {
		return nil, errors.New("dispatch: plan has no tree")
	}

	order, err := slice.Schedule(p.Table, p.Root)
	if err != nil {
		return nil, err
	}

	planBlob, err := d.serializer.Serialize(p.Tree)
	if err != nil {
		return nil, err
	}
	segments := d.pool.SegmentCount()
	d.logger.Debug("Plan serialized",
		"size_kb", wire.PlanSizeKB(planBlob.UncompressedLen, segments),
		"compressed_bytes", planBlob.CompressedLen,
		"uncompressed_bytes", planBlob.UncompressedLen,
		"root", p.Root)
	if err := d.encoder.CheckBudget(planBlob.UncompressedLen, segments); err != nil {
		return nil, err
	}
	d.metrics.ObservePlan(planBlob.CompressedLen, planBlob.UncompressedLen)

	rounds, err := d.planRounds(order)
	if err != nil {
		return nil, err
	}

	sliceInfo, err := d.serializer.Serialize(p.Table)
	if err != nil {
		return nil, err
	}
	txnContext, err := d.txn.SerializeContext(ctx, dtx.Request{
		WantSnapshot: true,
		IsCursor:     p.IsCursor,
		Options:      dtx.TxnOptions(p.RequiresTxn),
		Caller:       "DispatchPlan",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction context: %w", err)
	}

	params := &wire.QueryParams{
		Command:             p.Command,
		Plan:                planBlob.Data,
		PlanUncompressedLen: planBlob.UncompressedLen,
		Params:              wire.EncodeParams(p.Params),
		SliceInfo:           sliceInfo.Data,
		TxnContext:          txnContext,
		RootIndex:           p.Root,
		SeqServerHost:       d.cfg.SeqServerHost,
		SeqServerPort:       d.cfg.SeqServerPort,
	}
	msg, err := d.encode(params)
	if err != nil {
		return nil, err
	}

	oldLocal := p.Table.LocalSlice
	defer func() { p.Table.LocalSlice = oldLocal }()

	d.stats.addPlan(len(rounds))
	d.metrics.ObserveSlices(len(rounds))

	return d.run(ctx, "plan", msg, rounds, cancelOnError, func(r round) {
		p.Table.LocalSlice = r.slice
	})
}

// planRounds resolves the gang and destination connections of every
// dispatchable slice. Nothing is sent if any slice cannot be resolved.
func (d *Dispatcher) planRounds(order *slice.Order) ([]round, error) {
	entries := order.Dispatchable()
	rounds := make([]round, 0, len(entries))
	for _, e := range entries {
		g, ok := d.pool.FindGangByID(e.Slice.GangID)
		if !ok {
			return nil, fmt.Errorf("%w: slice %d names gang %d", dserrors.ErrGangNotFound, e.Index, e.Slice.GangID)
		}

		conns := g.Conns
		if e.Slice.Direct.IsDirect {
			targets := e.Slice.Direct.ContentIDs
			if len(targets) != 1 {
				return nil, &dserrors.DirectDispatchError{SliceIndex: e.Index, Targets: len(targets)}
			}
			conn, ok := g.ConnFor(targets[0])
			if !ok {
				return nil, &dserrors.DirectDispatchError{SliceIndex: e.Index, Targets: 1, ContentID: targets[0]}
			}
			conns = []gang.Conn{conn}
			if d.cfg.PrintDirectDispatchInfo {
				d.logger.Info("Dispatch command to SINGLE content", "slice", e.Index, "content", targets[0])
			}
		} else if d.cfg.PrintDirectDispatchInfo {
			d.logger.Info("Dispatch command to ALL contents", "slice", e.Index, "contents", len(conns))
		}
		rounds = append(rounds, round{slice: e.Index, gang: g, conns: conns})
	}
	return rounds, nil
}

// DispatchCommand sends text to the writer gang without waiting.
func (d *Dispatcher) DispatchCommand(ctx context.Context, text string, opts CommandOptions) (*State, error) {
	return d.dispatchCommand(ctx, "command", "DispatchCommand", text, nil, opts)
}

// DispatchUtilityStatement parses text as a single utility statement and
// sends it with its parse tree to the writer gang without waiting.
func (d *Dispatcher) DispatchUtilityStatement(ctx context.Context, text string, opts CommandOptions) (*State, error) {
	stmt, err := d.statements.Parse(text)
	if err != nil {
		return nil, err
	}
	querytree, err := stmt.Querytree()
	if err != nil {
		return nil, err
	}
	return d.dispatchCommand(ctx, "utility", "DispatchUtilityStatement", text, querytree, opts)
}

func (d *Dispatcher) dispatchCommand(ctx context.Context, kind, caller, text string, querytree []byte, opts CommandOptions) (*State, error) {
	d.logger.Debug("Dispatching command", "caller", caller, "command", text, "need_two_phase", opts.NeedTwoPhase)

	if err := d.txn.PreCommand(ctx, caller, text, opts.NeedTwoPhase, opts.WithSnapshot, false); err != nil {
		return nil, err
	}
	writer, err := d.pool.AllocateWriterGang(ctx)
	if err != nil {
		return nil, err
	}
	txnContext, err := d.txn.SerializeContext(ctx, dtx.Request{
		WantSnapshot: opts.WithSnapshot,
		Options:      dtx.TxnOptions(opts.NeedTwoPhase),
		Caller:       caller,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction context: %w", err)
	}

	msg, err := d.encode(&wire.QueryParams{
		Command:       text,
		Querytree:     querytree,
		TxnContext:    txnContext,
		SeqServerHost: d.cfg.SeqServerHost,
		SeqServerPort: d.cfg.SeqServerPort,
		GangID:        writer.ID,
	})
	if err != nil {
		return nil, err
	}

	d.stats.addCommand()
	return d.run(ctx, kind, msg, []round{{slice: 0, gang: writer, conns: writer.Conns}}, opts.CancelOnError, nil)
}

// SetGucOnAllGangs sends a SET or RESET to the writer gang and every idle
// reader gang, then waits. Busy reader gangs cannot take the command and
// are marked so they are not reused.
func (d *Dispatcher) SetGucOnAllGangs(ctx context.Context, text string, cancelOnError, needTwoPhase bool) error {
	stmt, err := d.statements.Parse(text)
	if err != nil {
		return err
	}
	if !stmt.IsSet() {
		return fmt.Errorf("%w: %s", dserrors.ErrNotSetCommand, stmt.Kind)
	}
	if err := d.txn.PreCommand(ctx, "SetGucOnAllGangs", text, needTwoPhase, true, false); err != nil {
		return err
	}

	writer, err := d.pool.AllocateWriterGang(ctx)
	if err != nil {
		return err
	}
	rounds := []round{{slice: 0, gang: writer, conns: writer.Conns}}
	for _, g := range d.pool.IdleReaderGangs() {
		rounds = append(rounds, round{slice: 0, gang: g, conns: g.Conns})
	}
	for _, g := range d.pool.BusyReaderGangs() {
		g.SetNoReuse()
		d.logger.Debug("Busy reader gang marked no-reuse", "gang", g.ID)
	}

	txnContext, err := d.txn.SerializeContext(ctx, dtx.Request{
		WantSnapshot: true,
		Options:      dtx.TxnOptions(needTwoPhase),
		Caller:       "SetGucOnAllGangs",
	})
	if err != nil {
		return fmt.Errorf("failed to serialize transaction context: %w", err)
	}
	msg, err := d.encode(&wire.QueryParams{
		Command:       text,
		TxnContext:    txnContext,
		SeqServerHost: d.cfg.SeqServerHost,
		SeqServerPort: d.cfg.SeqServerPort,
	})
	if err != nil {
		return err
	}

	d.stats.addCommand()
	st, err := d.run(ctx, "set", msg, rounds, cancelOnError, nil)
	defer st.Destroy()
	if err != nil {
		return err
	}
	return st.Finish()
}

// DoCommand dispatches text, waits for every segment and returns the
// merged error, if any.
func (d *Dispatcher) DoCommand(ctx context.Context, text string, cancelOnError, needTwoPhase bool) error {
	st, err := d.DispatchCommand(ctx, text, CommandOptions{
		CancelOnError: cancelOnError,
		NeedTwoPhase:  needTwoPhase,
		WithSnapshot:  true,
	})
	defer st.Destroy()
	if err != nil {
		return err
	}
	return st.Finish()
}

// DoUtilityStatement dispatches a utility statement with cancel-on-error
// and waits for it.
func (d *Dispatcher) DoUtilityStatement(ctx context.Context, text string, needTwoPhase bool) error {
	st, err := d.DispatchUtilityStatement(ctx, text, CommandOptions{
		CancelOnError: true,
		NeedTwoPhase:  needTwoPhase,
		WithSnapshot:  true,
	})
	defer st.Destroy()
	if err != nil {
		return err
	}
	return st.Finish()
}

// DispatchRMCommand broadcasts a command that must run everywhere
// regardless of individual failures. It never starts a global transaction.
// Every per-segment result is returned along with the merged error.
func (d *Dispatcher) DispatchRMCommand(ctx context.Context, text string, withSnapshot bool) ([]result.SegmentResult, error) {
	st, err := d.DispatchCommand(ctx, text, CommandOptions{
		CancelOnError: false,
		NeedTwoPhase:  false,
		WithSnapshot:  withSnapshot,
	})
	defer st.Destroy()
	if err != nil {
		return st.Results(), err
	}
	st.Wait(WaitNone)
	return st.Results(), st.Summary()
}

func (d *Dispatcher) encode(p *wire.QueryParams) (*wire.Message, error) {
	defer p.Release()
	session := d.session
	session.CommandCount = d.commandCount.Add(1)
	session.StatementStart = time.Now()
	return d.encoder.Encode(p, session)
}

// run creates the State, fans msg out round by round and returns once
// every round is enqueued and delivered, or dispatch halted. It takes
// ownership of the caller's reference to msg.
func (d *Dispatcher) run(ctx context.Context, kind string, msg *wire.Message, rounds []round, cancelOnError bool, beforeRound func(round)) (*State, error) {
	defer msg.Release()

	parent := ctx
	if !cancelOnError {
		parent = context.WithoutCancel(ctx)
	}
	dctx, cancel := context.WithCancelCause(parent)

	st := &State{
		id:            uuid.NewString(),
		kind:          kind,
		cancelOnError: cancelOnError,
		parent:        ctx,
		ctx:           dctx,
		cancel:        cancel,
		totalRounds:   len(rounds),
		started:       time.Now(),
		retry:         dserrors.NewRetryControllerWith(d.cfg.RetryInitialDelay, d.cfg.RetryMaxDelay, d.cfg.SendRetries),
		classifier:    d.classifier,
		tracker:       d.tracker,
		cancelTimeout: d.cfg.CancelTimeout,
		metrics:       d.metrics,
		stats:         d.stats,
	}
	st.logger = d.logger.With("dispatch_id", st.id, "kind", kind)
	var onError func(error)
	if cancelOnError {
		onError = func(err error) { cancel(err) }
	}
	st.agg = result.New(onError)
	d.metrics.StateOpened()

	// Partition every destination connection once for the whole call.
	var conns []gang.Conn
	seen := make(map[gang.Conn]bool)
	jobs := make(map[gang.Conn]int)
	for _, r := range rounds {
		if r.gang.Type == gang.TypeWriter && st.writerGang == nil {
			st.writerGang = r.gang
		}
		for _, c := range r.conns {
			if !seen[c] {
				seen[c] = true
				conns = append(conns, c)
			}
			jobs[c]++
		}
	}
	owner := make(map[gang.Conn]*batch, len(conns))
	for i, part := range partition(conns, d.cfg.ConnectionsPerWorker, d.cfg.MaxWorkers) {
		n := 0
		for _, c := range part {
			n += jobs[c]
		}
		b := &batch{id: i, conns: part, queue: make(chan job, n), inflight: make(chan pending, n)}
		for _, c := range part {
			owner[c] = b
		}
		st.batches = append(st.batches, b)
	}
	d.metrics.ObserveBatches(len(st.batches))

	if len(st.batches) > 0 {
		pool, err := ants.NewPool(2*len(st.batches), ants.WithPanicHandler(func(p any) {
			st.logger.Error("Dispatch worker panic", "panic", p)
		}))
		if err != nil {
			cancel(err)
			return st, fmt.Errorf("failed to create worker pool: %w", err)
		}
		st.pool = pool
	}
	for _, b := range st.batches {
		ref := msg.Retain()
		st.submit(func() { st.send(b, ref) })
		st.submit(func() { st.receive(b) })
	}

	st.logger.Debug("Dispatch started", "rounds", len(rounds), "connections", len(conns), "batches", len(st.batches))

	// Rounds are enqueued without waiting for delivery; each batch sends
	// its jobs in round order and stops on its own under cancel-on-error.
	halted := false
	for _, r := range rounds {
		if cancelOnError && (st.agg.HasError() || ctx.Err() != nil) {
			halted = true
			break
		}
		if beforeRound != nil {
			beforeRound(r)
		}
		for _, c := range r.conns {
			owner[c].queue <- job{conn: c, slice: r.slice, gangID: r.gang.ID}
		}
		st.dispatchedRounds++
	}
	for _, b := range st.batches {
		close(b.queue)
	}

	if halted {
		st.stopped.Store(true)
		st.logger.Info("Dispatch halted", "dispatched", st.dispatchedRounds, "total", st.totalRounds)
		return st, st.halt()
	}
	return st, nil
}

// submit runs task on the state's pool, tracked by the state wait group.
func (s *State) submit(task func()) {
	s.wg.Add(1)
	wrapped := func() {
		defer s.wg.Done()
		task()
	}
	if err := s.pool.Submit(wrapped); err != nil {
		s.logger.Warn("Worker pool rejected task, running unpooled", "error", err)
		go wrapped()
	}
}
