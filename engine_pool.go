package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// positionAnalyser is the capability the investigator and target search
// consume. The engine pool is the production implementation; tests provide
// fakes.
type positionAnalyser interface {
	Analyse(ctx context.Context, fen string, depth, multipv int) ([]EvaluationInfo, int, error)
}

// PoolResult reports which instance served a request, for diagnosability.
type PoolResult struct {
	Success  bool             `json:"success"`
	EngineID int              `json:"engine_id"`
	Result   []EvaluationInfo `json:"result,omitempty"`
}

// EnginePool runs N independent engine processes, each behind its own
// single-consumer queue. Requests go to the least-busy instance.
type EnginePool struct {
	path        string
	size        int
	capacity    int
	multiPVCap  int
	launch      func(id int) (*UCIEngine, error)
	engines     []*UCIEngine
	queues      []*EngineQueue
	initialized atomic.Bool
	rr          atomic.Uint64
	log         zerolog.Logger
}

type PoolStatus struct {
	Initialized bool           `json:"initialized"`
	Size        int            `json:"size"`
	Queues      []QueueMetrics `json:"queues"`
}

func NewEnginePool(path string, size, queueCapacity, multiPVCap int, log zerolog.Logger) *EnginePool {
	if size < 1 {
		size = 1
	}
	pool := &EnginePool{
		path:       path,
		size:       size,
		capacity:   queueCapacity,
		multiPVCap: multiPVCap,
		log:        log.With().Str("component", "engine_pool").Logger(),
	}
	pool.launch = func(id int) (*UCIEngine, error) {
		engine, err := NewUCIEngine(path, id, pool.log)
		if err != nil {
			return nil, err
		}
		if !engine.Health() {
			engine.Close()
			return nil, fmt.Errorf("%w: health probe failed", ErrEngineUnavailable)
		}
		return engine, nil
	}
	return pool
}

// Initialize starts every configured instance. It is all-or-nothing: if any
// instance fails to start or fails its health probe, the ones that did start
// are torn down and the pool stays unusable.
func (p *EnginePool) Initialize(ctx context.Context) error {
	engines := make([]*UCIEngine, p.size)
	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		i := i
		g.Go(func() error {
			engine, err := p.launch(i)
			if err != nil {
				return fmt.Errorf("instance %d: %w", i, err)
			}
			engines[i] = engine
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, engine := range engines {
			if engine != nil {
				engine.Close()
			}
		}
		p.log.Error().Err(err).Msg("pool initialization failed")
		return err
	}

	p.engines = engines
	p.queues = make([]*EngineQueue, p.size)
	for i, engine := range engines {
		p.queues[i] = NewEngineQueue(engine, p.capacity, p.log.With().Int("engine_id", i).Logger())
	}
	p.initialized.Store(true)
	p.log.Info().Int("size", p.size).Msg("pool initialized")
	return nil
}

func (p *EnginePool) Initialized() bool {
	return p.initialized.Load()
}

// pickLeastBusy returns the index of the shallowest queue; ties rotate
// round-robin so idle pools still spread work.
func pickLeastBusy(depths []int, rr uint64) int {
	n := len(depths)
	best := int(rr % uint64(n))
	for offset := 0; offset < n; offset++ {
		idx := int((rr + uint64(offset)) % uint64(n))
		if depths[idx] < depths[best] {
			best = idx
		}
	}
	return best
}

// capMultiPV bounds a multipv request to the pool's configured ceiling.
func capMultiPV(multipv, cap int) int {
	if multipv < 1 {
		multipv = 1
	}
	if cap > 0 && multipv > cap {
		multipv = cap
	}
	return multipv
}

// AnalyzeSingle dispatches one evaluation to an available instance.
func (p *EnginePool) AnalyzeSingle(ctx context.Context, fen string, depth, multipv int) (PoolResult, error) {
	if !p.initialized.Load() {
		return PoolResult{}, fmt.Errorf("%w: pool not initialized", ErrEngineUnavailable)
	}
	multipv = capMultiPV(multipv, p.multiPVCap)
	depths := make([]int, len(p.queues))
	for i, q := range p.queues {
		depths[i] = q.Depth()
	}
	idx := pickLeastBusy(depths, p.rr.Add(1))
	infos, err := p.queues[idx].Analyse(ctx, fen, depth, multipv)
	if err != nil {
		return PoolResult{Success: false, EngineID: idx}, err
	}
	return PoolResult{Success: true, EngineID: idx, Result: infos}, nil
}

// Analyse implements positionAnalyser.
func (p *EnginePool) Analyse(ctx context.Context, fen string, depth, multipv int) ([]EvaluationInfo, int, error) {
	res, err := p.AnalyzeSingle(ctx, fen, depth, multipv)
	return res.Result, res.EngineID, err
}

func (p *EnginePool) Status() PoolStatus {
	status := PoolStatus{
		Initialized: p.initialized.Load(),
		Size:        p.size,
	}
	for _, q := range p.queues {
		status.Queues = append(status.Queues, q.Metrics())
	}
	return status
}

// Shutdown terminates every instance, tolerating per-instance failures so a
// stuck process cannot leak its siblings.
func (p *EnginePool) Shutdown() {
	p.initialized.Store(false)
	for _, q := range p.queues {
		q.Close()
	}
	for i, engine := range p.engines {
		if engine == nil {
			continue
		}
		if err := engine.Close(); err != nil {
			p.log.Warn().Err(err).Int("engine_id", i).Msg("engine shutdown failed")
		}
	}
	p.log.Info().Msg("pool shut down")
}
