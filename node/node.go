// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package node owns a namespace's journal and derived state. All writes
// flow through one goroutine: local appends, remote merges, and reads are
// serialized, so derived state never needs locking and every replica folds
// facts in the same order.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"

	"github.com/auranet/aura/authority"
	"github.com/auranet/aura/journal"
	"github.com/auranet/aura/tree"
	"github.com/auranet/aura/tree/reducer"
	"github.com/auranet/aura/utils/wrappers"
)

const defaultQueueSize = 256

var (
	ErrShutdown   = errors.New("namespace writer is shut down")
	ErrNoGenesis  = errors.New("config has no genesis tree")
	ErrNilFact    = errors.New("nil fact")
	ErrNilJournal = errors.New("nil journal")
)

// EventKind tags a writer event.
type EventKind uint8

const (
	// FactApplied is emitted for every fact the reducer accepted.
	FactApplied EventKind = iota + 1
	// FactRejected is emitted when reduction refused a journaled fact.
	FactRejected
	// FactStale is emitted when an attested op lost a prestate race.
	FactStale
	// EquivocationObserved is emitted when evidence names a witness.
	EquivocationObserved
	// IntegrityHalt is emitted when reduction halts the namespace.
	IntegrityHalt
)

// Event is a derived-state change notification.
type Event struct {
	Kind    EventKind
	Order   ids.ID
	Witness ids.ID
	Reason  string
}

// Config parameterizes a Writer.
type Config struct {
	Log        log.Logger
	Registerer metric.Registerer
	Namespace  journal.Namespace
	// Genesis is the shared starting tree of the namespace.
	Genesis *tree.Tree
	// Charge meters capability chain walks; nil disables accounting.
	Charge authority.ChargeFunc
	// DB persists facts; nil keeps the journal in memory only.
	DB        database.Database
	QueueSize int
}

// Writer is the namespace's single writer.
type Writer struct {
	log     log.Logger
	metrics *writerMetrics

	genesis *tree.Tree
	charge  authority.ChargeFunc
	journal *journal.Journal
	store   *journal.Store
	red     *reducer.Reducer
	state   *reducer.State

	// applied is the highest fact order the current state has folded.
	applied    ids.ID
	hasApplied bool

	requests chan *request
	events   chan Event
	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}
}

type request struct {
	fact  *journal.Fact
	merge *journal.Journal
	read  func(*reducer.State)
	view  func(*journal.Journal)
	resp  chan error
}

// New builds a Writer, replaying any persisted facts, and starts its loop.
func New(cfg Config) (*Writer, error) {
	if cfg.Genesis == nil {
		return nil, ErrNoGenesis
	}
	if cfg.Log == nil {
		cfg.Log = log.NewNoOpLogger()
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}

	metrics, err := newWriterMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}
	red, err := reducer.New(cfg.Log, cfg.Registerer)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		log:      cfg.Log,
		metrics:  metrics,
		genesis:  cfg.Genesis,
		charge:   cfg.Charge,
		red:      red,
		requests: make(chan *request, cfg.QueueSize),
		events:   make(chan Event, cfg.QueueSize),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	if cfg.DB != nil {
		w.store = journal.NewStore(cfg.DB, cfg.Log)
		w.journal, err = w.store.Load(cfg.Namespace)
	} else {
		w.journal, err = journal.New(cfg.Namespace)
	}
	if err != nil {
		return nil, err
	}
	if err := w.rebuild(); err != nil {
		return nil, err
	}

	go w.run()
	return w, nil
}

// Events returns the writer's event stream. Events are dropped, not
// blocked on, when the consumer falls behind.
func (w *Writer) Events() <-chan Event {
	return w.events
}

// Append journals and reduces one locally-authored fact.
func (w *Writer) Append(ctx context.Context, f *journal.Fact) error {
	if f == nil {
		return ErrNilFact
	}
	return w.submit(ctx, &request{fact: f})
}

// Merge folds a remote replica's journal in.
func (w *Writer) Merge(ctx context.Context, other *journal.Journal) error {
	if other == nil {
		return ErrNilJournal
	}
	return w.submit(ctx, &request{merge: other})
}

// Read runs [fn] against the derived state inside the writer loop. The
// state must not be retained or mutated.
func (w *Writer) Read(ctx context.Context, fn func(*reducer.State)) error {
	return w.submit(ctx, &request{read: fn})
}

// Snapshot serializes the journal inside the writer loop, so exports never
// race appends or merges.
func (w *Writer) Snapshot(ctx context.Context) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	if submitErr := w.submit(ctx, &request{view: func(j *journal.Journal) {
		b, err = j.Snapshot()
	}}); submitErr != nil {
		return nil, submitErr
	}
	return b, err
}

// Export returns a detached copy of the journal. The copy is safe to read
// or feed to another writer's Merge without touching this writer's loop.
func (w *Writer) Export(ctx context.Context) (*journal.Journal, error) {
	b, err := w.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return journal.Restore(b)
}

// Len reports how many facts the journal holds.
func (w *Writer) Len(ctx context.Context) (int, error) {
	var n int
	err := w.submit(ctx, &request{view: func(j *journal.Journal) {
		n = j.Len()
	}})
	return n, err
}

// Shutdown stops the loop. Pending requests fail with ErrShutdown. Safe to
// call more than once.
func (w *Writer) Shutdown() {
	w.quitOnce.Do(func() { close(w.quit) })
	<-w.stopped
}

func (w *Writer) submit(ctx context.Context, req *request) error {
	req.resp = make(chan error, 1)
	select {
	case w.requests <- req:
	case <-w.quit:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.resp:
		return err
	case <-w.quit:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.stopped)
	for {
		select {
		case <-w.quit:
			return
		case req := <-w.requests:
			switch {
			case req.fact != nil:
				req.resp <- w.handleAppend(req.fact)
			case req.merge != nil:
				req.resp <- w.handleMerge(req.merge)
			case req.read != nil:
				req.read(w.state)
				req.resp <- nil
			case req.view != nil:
				req.view(w.journal)
				req.resp <- nil
			default:
				req.resp <- nil
			}
		}
	}
}

func (w *Writer) handleAppend(f *journal.Fact) error {
	added, err := w.journal.Add(f)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}
	if w.store != nil {
		if err := w.store.PutFact(w.journal.Namespace(), f); err != nil {
			return err
		}
	}
	w.metrics.numAppends.Inc()

	// A local append below the applied frontier reorders the fold.
	if w.hasApplied && f.Less(&journal.Fact{Order: w.applied}) {
		return w.rebuild()
	}
	return w.applyOne(f)
}

func (w *Writer) handleMerge(other *journal.Journal) error {
	w.metrics.numMerges.Inc()

	var (
		fresh   []*journal.Fact
		errs    wrappers.Errs
		reorder bool
	)
	other.Ascend(func(f *journal.Fact) bool {
		added, err := w.journal.Add(f)
		if err != nil {
			errs.Add(err)
			return true
		}
		if !added {
			return true
		}
		if w.store != nil {
			if err := w.store.PutFact(w.journal.Namespace(), f); err != nil {
				errs.Add(err)
				return false
			}
		}
		if w.hasApplied && f.Less(&journal.Fact{Order: w.applied}) {
			reorder = true
		}
		fresh = append(fresh, f)
		return true
	})

	if reorder {
		w.metrics.numRebuilds.Inc()
		if err := w.rebuild(); err != nil {
			return err
		}
		return errs.Err
	}
	for _, f := range fresh {
		if applyErr := w.applyOne(f); applyErr != nil {
			errs.Add(applyErr)
			return errs.Err
		}
	}
	return errs.Err
}

// rebuild re-derives state from genesis over the whole journal. Needed at
// startup and whenever a fact lands below the applied frontier.
func (w *Writer) rebuild() error {
	state, err := w.red.Reduce(w.genesis, w.journal, w.charge)
	w.state = state
	w.hasApplied = false
	w.journal.Ascend(func(f *journal.Fact) bool {
		w.applied = f.Order
		w.hasApplied = true
		return true
	})
	if err != nil {
		w.emitHalt(err)
		return err
	}
	w.emitDiagnostics()
	return nil
}

func (w *Writer) applyOne(f *journal.Fact) error {
	before := len(w.state.Rejections())
	staleBefore := len(w.state.Stale())

	if err := w.red.Apply(w.state, f); err != nil {
		w.emitHalt(err)
		return err
	}
	w.applied = f.Order
	w.hasApplied = true

	switch {
	case len(w.state.Rejections()) > before:
		last := w.state.Rejections()[len(w.state.Rejections())-1]
		w.emit(Event{Kind: FactRejected, Order: last.Order, Reason: last.Reason})
	case len(w.state.Stale()) > staleBefore:
		w.emit(Event{Kind: FactStale, Order: f.Order})
	default:
		w.emit(Event{Kind: FactApplied, Order: f.Order})
	}
	if evidence, ok := f.Content.(*journal.EquivocationEvidence); ok {
		w.emit(Event{Kind: EquivocationObserved, Order: f.Order, Witness: evidence.Witness})
	}
	return nil
}

// emitDiagnostics surfaces accumulated rejections after a full rebuild.
func (w *Writer) emitDiagnostics() {
	for _, rej := range w.state.Rejections() {
		w.emit(Event{Kind: FactRejected, Order: rej.Order, Reason: rej.Reason})
	}
	for _, witness := range w.state.Equivocators() {
		w.emit(Event{Kind: EquivocationObserved, Witness: witness})
	}
}

func (w *Writer) emitHalt(err error) {
	w.log.Error("namespace halted", log.String("reason", err.Error()))
	w.emit(Event{Kind: IntegrityHalt, Reason: err.Error()})
}

func (w *Writer) emit(e Event) {
	select {
	case w.events <- e:
	default:
		w.log.Debug("event dropped",
			log.Int("kind", int(e.Kind)),
			log.String("order", e.Order.String()),
		)
	}
}

type writerMetrics struct {
	numAppends  metric.Counter
	numMerges   metric.Counter
	numRebuilds metric.Counter
}

func newWriterMetrics(registerer metric.Registerer) (*writerMetrics, error) {
	m := &writerMetrics{
		numAppends: metric.NewCounter(metric.CounterOpts{
			Name: "node_appends",
			Help: "Number of locally appended facts",
		}),
		numMerges: metric.NewCounter(metric.CounterOpts{
			Name: "node_merges",
			Help: "Number of remote journal merges",
		}),
		numRebuilds: metric.NewCounter(metric.CounterOpts{
			Name: "node_rebuilds",
			Help: "Number of full state rebuilds forced by reordering merges",
		}),
	}
	if registerer == nil {
		return m, nil
	}
	if err := registerer.Register(metric.AsCollector(m.numAppends)); err != nil {
		return nil, err
	}
	if err := registerer.Register(metric.AsCollector(m.numMerges)); err != nil {
		return nil, err
	}
	if err := registerer.Register(metric.AsCollector(m.numRebuilds)); err != nil {
		return nil, err
	}
	return m, nil
}

// String renders an event kind for logs.
func (k EventKind) String() string {
	switch k {
	case FactApplied:
		return "applied"
	case FactRejected:
		return "rejected"
	case FactStale:
		return "stale"
	case EquivocationObserved:
		return "equivocation"
	case IntegrityHalt:
		return "halt"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}
