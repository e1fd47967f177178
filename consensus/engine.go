// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"

	"github.com/auranet/aura/utils/timer/mockable"
)

var (
	ErrDuplicateInstance = errors.New("consensus instance already exists")
	ErrUnknownInstance   = errors.New("unknown consensus instance")
)

// Engine owns every live instance of one namespace and drives their timers.
// Not safe for concurrent use; the namespace writer calls it.
type Engine struct {
	log     log.Logger
	clock   *mockable.Clock
	params  Parameters
	metrics *engineMetrics

	instances map[ids.ID]*Instance
}

// NewEngine builds an engine registering its metrics on [registerer].
func NewEngine(logger log.Logger, clock *mockable.Clock, params Parameters, registerer metric.Registerer) (*Engine, error) {
	metrics, err := newEngineMetrics(registerer)
	if err != nil {
		return nil, err
	}
	return &Engine{
		log:       logger,
		clock:     clock,
		params:    params,
		metrics:   metrics,
		instances: make(map[ids.ID]*Instance),
	}, nil
}

// StartInstance creates and starts an instance from [cfg], filling the
// engine's log, clock, and parameters in.
func (e *Engine) StartInstance(cfg Config) (*Instance, error) {
	if _, ok := e.instances[cfg.ConsensusID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateInstance, cfg.ConsensusID)
	}
	cfg.Log = e.log
	cfg.Clock = e.clock
	cfg.Params = e.params
	in, err := NewInstance(cfg)
	if err != nil {
		return nil, err
	}
	if err := in.Start(); err != nil {
		return nil, err
	}
	e.instances[cfg.ConsensusID] = in
	e.metrics.numPending.Inc()
	e.log.Info("consensus instance started",
		log.String("consensusID", cfg.ConsensusID.String()),
		log.Int("witnesses", cfg.Witnesses.Len()),
	)
	return in, nil
}

// Get returns the instance for [consensusID].
func (e *Engine) Get(consensusID ids.ID) (*Instance, bool) {
	in, ok := e.instances[consensusID]
	return in, ok
}

// Pending lists non-terminal instance ids.
func (e *Engine) Pending() []ids.ID {
	var pending []ids.ID
	for id, in := range e.instances {
		if !in.Phase().Terminal() {
			pending = append(pending, id)
		}
	}
	return pending
}

// HandleProposal routes a proposal to its instance.
func (e *Engine) HandleProposal(consensusID ids.ID, p *ShareProposal) error {
	in, ok := e.instances[consensusID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, consensusID)
	}
	err := in.HandleProposal(p)
	if errors.Is(err, ErrEquivocation) {
		e.metrics.numEquivocations.Inc()
	}
	e.observeTerminal(in)
	return err
}

// HandleFallbackShare routes a fallback share to its instance.
func (e *Engine) HandleFallbackShare(fs *FallbackShare) error {
	in, ok := e.instances[fs.ConsensusID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, fs.ConsensusID)
	}
	err := in.HandleFallbackShare(fs)
	e.observeTerminal(in)
	return err
}

// Advance ticks every live instance, returning the fallback requests that
// need broadcasting. Instances that run out of rotations fail here.
func (e *Engine) Advance() []*FallbackRequest {
	var requests []*FallbackRequest
	for id, in := range e.instances {
		if in.Phase().Terminal() {
			continue
		}
		req, err := in.Tick()
		if err != nil {
			e.log.Warn("consensus instance failed",
				log.String("consensusID", id.String()),
				log.String("error", err.Error()),
			)
		}
		if req != nil {
			requests = append(requests, req)
		}
		e.observeTerminal(in)
	}
	return requests
}

// Remove forgets a terminal instance.
func (e *Engine) Remove(consensusID ids.ID) {
	delete(e.instances, consensusID)
}

func (e *Engine) observeTerminal(in *Instance) {
	if in.observed || !in.Phase().Terminal() {
		return
	}
	in.observed = true
	e.metrics.numPending.Dec()
	if in.Phase() == Committed {
		e.metrics.numCommitted.Inc()
	} else {
		e.metrics.numFailed.Inc()
	}
}

type engineMetrics struct {
	numPending       metric.Gauge
	numCommitted     metric.Counter
	numFailed        metric.Counter
	numEquivocations metric.Counter
}

func newEngineMetrics(registerer metric.Registerer) (*engineMetrics, error) {
	m := &engineMetrics{
		numPending: metric.NewGauge(metric.GaugeOpts{
			Name: "consensus_pending_instances",
			Help: "Number of consensus instances not yet terminal",
		}),
		numCommitted: metric.NewCounter(metric.CounterOpts{
			Name: "consensus_committed_instances",
			Help: "Number of consensus instances that committed",
		}),
		numFailed: metric.NewCounter(metric.CounterOpts{
			Name: "consensus_failed_instances",
			Help: "Number of consensus instances that failed",
		}),
		numEquivocations: metric.NewCounter(metric.CounterOpts{
			Name: "consensus_equivocations",
			Help: "Number of equivocations caught across instances",
		}),
	}
	if err := registerer.Register(metric.AsCollector(m.numPending)); err != nil {
		return nil, err
	}
	if err := registerer.Register(metric.AsCollector(m.numCommitted)); err != nil {
		return nil, err
	}
	if err := registerer.Register(metric.AsCollector(m.numFailed)); err != nil {
		return nil, err
	}
	if err := registerer.Register(metric.AsCollector(m.numEquivocations)); err != nil {
		return nil, err
	}
	return m, nil
}
