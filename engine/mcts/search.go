package mcts

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"github.com/lingsond/CrazyAra/engine/board"
	"github.com/lingsond/CrazyAra/engine/inference"
)

// EvalInfo summarizes one finished search from the root's point of view.
// It is the record the self-play exporter consumes per ply.
type EvalInfo struct {
	LegalMoves      []board.Move
	PolicyProbSmall []float32
	BestMove        board.Move
	BestMoveIdx     int
	BestMoveQ       float32
	Nodes           float32
	Depth           int
	TBHits          uint64
}

// Search owns one search session: the shared tree, the transposition map
// and one SearchThread per worker. Evaluators are per-thread; the session
// never shares NN buffers across workers.
type Search struct {
	settings *SearchSettings
	limits   *SearchLimits
	dims     board.Dims
	mapper   board.PolicyMapper
	hashMap  *MapWithMutex
	threads  []*SearchThread

	rootNode *Node
	rootPos  board.Position

	rng rand.Source
}

// NewSearch builds a session with one thread per evaluator.
func NewSearch(settings *SearchSettings, dims board.Dims, mapper board.PolicyMapper, evals []inference.Evaluator) *Search {
	s := &Search{
		settings: settings,
		dims:     dims,
		mapper:   mapper,
		hashMap:  NewMapWithMutex(),
		rng:      rand.NewSource(uint64(time.Now().UnixNano())),
	}
	for _, eval := range evals {
		s.threads = append(s.threads, NewSearchThread(eval, settings, s.hashMap, dims, mapper))
	}
	return s
}

func (s *Search) SetSearchLimits(l *SearchLimits) { s.limits = l }
func (s *Search) RootNode() *Node { return s.rootNode }
func (s *Search) Settings() *SearchSettings { return s.settings }

// SetRootNode promotes an existing subtree to the new root, severing its
// parent link so the abandoned part of the old tree can be collected.
func (s *Search) SetRootNode(n *Node) {
	n.MakeToRoot()
	s.rootNode = n
}

// SetRootPos installs a new root position. The position is cloned per
// worker during search; the session keeps its own copy. A fresh root node
// is created and evaluated synchronously so descent never starts from a
// gate-closed root.
func (s *Search) SetRootPos(pos board.Position) error {
	s.rootPos = pos.Clone()
	s.rootNode = NewNode(pos.Clone(), nil, 0)
	if err := s.prepareRoot(); err != nil {
		return err
	}
	return nil
}

// prepareRoot evaluates the root with a batch of one and mixes in
// Dirichlet noise when configured.
func (s *Search) prepareRoot() error {
	if s.rootNode.IsTerminal() || s.rootNode.HasNNResults() {
		return nil
	}
	if len(s.threads) == 0 {
		return fmt.Errorf("search has no threads")
	}
	t := s.threads[0]
	s.rootPos.WritePlanes(t.inputPlanes[:s.dims.Size()])
	policyLen := t.eval.PolicyOutputLength()
	if err := t.eval.Predict(t.inputPlanes[:s.dims.Size()], 1, t.valueOutputs[:1], t.probOutputs[:policyLen]); err != nil {
		return fmt.Errorf("evaluate root: %w", err)
	}
	t.fillNNResults(0, s.rootNode)
	s.hashMap.Insert(s.rootNode.HashKey(), s.rootNode)
	if s.settings.DirichletEpsilon > 0 {
		s.rootNode.ApplyDirichletNoise(s.settings.DirichletEpsilon, s.settings.DirichletAlpha, s.rng)
	}
	return nil
}

// Start launches the worker threads and blocks until all of them finish.
// The search ends when the node budget is exhausted, the move time or ctx
// expires, Stop is called, or an evaluator fails; the first evaluator
// error stops every thread and is returned.
func (s *Search) Start(ctx context.Context) error {
	if s.rootNode == nil || s.rootPos == nil {
		return fmt.Errorf("root node and position must be set before Start")
	}
	if s.rootNode.IsTerminal() {
		return nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.limits != nil && s.limits.MoveTime > 0 {
		var cancelTimeout context.CancelFunc
		watchCtx, cancelTimeout = context.WithTimeout(watchCtx, s.limits.MoveTime)
		defer cancelTimeout()
	}

	var g errgroup.Group
	for _, t := range s.threads {
		t := t
		t.SetRootNode(s.rootNode)
		t.SetRootPos(s.rootPos.Clone())
		t.SetSearchLimits(s.limits)
		g.Go(func() error {
			err := t.Run()
			if err != nil {
				// Abort the sibling threads; the tree is torn down anyway.
				s.Stop()
			}
			return err
		})
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-watchCtx.Done():
			s.Stop()
		case <-done:
		}
	}()

	err := g.Wait()
	close(done)
	return err
}

// Stop requests cooperative cancellation. In-flight iterations run to
// completion.
func (s *Search) Stop() {
	for _, t := range s.threads {
		t.Stop()
	}
}

// TBHits sums the tablebase hits across all workers.
func (s *Search) TBHits() uint64 {
	var total uint64
	for _, t := range s.threads {
		total += t.TBHits()
	}
	return total
}

// MaxDepth reports the deepest descent any worker reached.
func (s *Search) MaxDepth() int {
	depth := 0
	for _, t := range s.threads {
		if d := t.MaxDepth(); d > depth {
			depth = d
		}
	}
	return depth
}

// Evaluate derives the final move policy from the accumulated root
// statistics. Callers pick a move from the returned distribution or take
// BestMove directly.
func (s *Search) Evaluate() *EvalInfo {
	root := s.rootNode
	policy := root.MCTSPolicy(s.settings.QValueWeight, s.settings.QValueMinVisitFactor)

	bestIdx := 0
	for i, p := range policy {
		if p > policy[bestIdx] {
			bestIdx = i
		}
	}
	_, qValues, _ := root.ChildStats()
	bestQ := float32(0)
	if len(qValues) > 0 {
		bestQ = qValues[bestIdx]
	}

	info := &EvalInfo{
		LegalMoves:      append([]board.Move(nil), root.LegalMoves()...),
		PolicyProbSmall: policy,
		BestMoveIdx:     bestIdx,
		BestMoveQ:       bestQ,
		Nodes:           root.Visits(),
		Depth:           s.MaxDepth(),
		TBHits:          s.TBHits(),
	}
	if len(info.LegalMoves) > 0 {
		info.BestMove = info.LegalMoves[bestIdx]
	}
	return info
}
