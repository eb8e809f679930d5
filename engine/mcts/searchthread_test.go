package mcts

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/lingsond/CrazyAra/engine/board"
	"github.com/lingsond/CrazyAra/engine/inference"
	"github.com/lingsond/CrazyAra/games/tictactoe"
)

// twoLevelTree builds a root with three moves whose children each have
// two moves into terminal draws.
func twoLevelTree() *fakeState {
	root := leafState(1, 3, 0)
	for i, key := range []uint64{2, 3, 4} {
		mid := leafState(key, 2, 1)
		for j := 0; j < 2; j++ {
			term := &fakeState{key: 100 + key*10 + uint64(j), ply: 2, terminal: true, value: 0}
			mid.next[board.Move(j)] = term
		}
		root.next[board.Move(i)] = mid
	}
	return root
}

func newTestThread(eval inference.Evaluator, settings *SearchSettings, policyLen int) (*SearchThread, *MapWithMutex) {
	hashMap := NewMapWithMutex()
	return NewSearchThread(eval, settings, hashMap, fakeDims, identMapper{length: policyLen}), hashMap
}

// deepTree builds a uniform scripted tree with the given branching,
// ending in terminal draws after depth plies. Keys are unique.
func deepTree(nextKey *uint64, branch, depth int, ply uint16) *fakeState {
	*nextKey++
	if depth == 0 {
		return &fakeState{key: *nextKey, ply: ply, terminal: true}
	}
	s := leafState(*nextKey, branch, ply)
	for i := 0; i < branch; i++ {
		s.next[board.Move(i)] = deepTree(nextKey, branch, depth-1, ply+1)
	}
	return s
}

func TestThreadIterationExpandsEvaluatesAndBacksUp(t *testing.T) {
	settings := testSettings()

	root := leafState(1, 1, 0)
	child := leafState(2, 1, 1)
	root.next[0] = child

	eval := &keyEval{policyLen: 1, values: map[uint64]float32{2: 0.25}}
	thread, hashMap := newTestThread(eval, settings, 1)

	rootNode := evaluatedNode(t, &fakePos{s: root}, []float32{0}, 0.5, settings)
	thread.SetRootNode(rootNode)
	thread.SetRootPos(&fakePos{s: root})

	if err := thread.ThreadIteration(); err != nil {
		t.Fatalf("ThreadIteration: %v", err)
	}

	// One real visit; the colliding descents that filled the batch were
	// reverted exactly.
	if rootNode.Visits() != 2 {
		t.Errorf("root Visits = %v, want 2", rootNode.Visits())
	}
	visits, qValues, _ := rootNode.ChildStats()
	if visits[0] != 1 {
		t.Errorf("childVisits[0] = %v, want 1", visits[0])
	}
	// Child scored +0.25 for its side to move; the sign flips at the root.
	if math.Abs(float64(qValues[0]+0.25)) > 1e-6 {
		t.Errorf("qValues[0] = %v, want -0.25", qValues[0])
	}

	childNode := rootNode.ChildNode(0)
	if childNode == nil || !childNode.HasNNResults() {
		t.Fatalf("child was not expanded and published")
	}
	if childNode.Value() != 0.25 {
		t.Errorf("child Value = %v, want 0.25", childNode.Value())
	}
	if hashMap.Len() != 1 {
		t.Errorf("map Len = %d, want 1", hashMap.Len())
	}
}

func TestTerminalChildSolvesRoot(t *testing.T) {
	settings := testSettings()

	root := leafState(1, 1, 0)
	// The side to move at the child has lost, so the root wins by moving
	// there.
	root.next[0] = &fakeState{key: 2, ply: 1, terminal: true, value: -1}

	eval := &keyEval{policyLen: 1, values: map[uint64]float32{}}
	thread, _ := newTestThread(eval, settings, 1)

	rootNode := evaluatedNode(t, &fakePos{s: root}, []float32{0}, 0, settings)
	thread.SetRootNode(rootNode)
	thread.SetRootPos(&fakePos{s: root})

	if err := thread.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rootNode.NodeType() != SolvedWin {
		t.Fatalf("root NodeType = %v, want SolvedWin", rootNode.NodeType())
	}
	if rootNode.Value() != 1 {
		t.Errorf("root Value = %v, want 1", rootNode.Value())
	}
	if rootNode.TerminalVisits() == 0 {
		t.Errorf("terminal visits were not recorded")
	}
	visits, qValues, _ := rootNode.ChildStats()
	if visits[0] < 1 {
		t.Errorf("childVisits[0] = %v, want >= 1", visits[0])
	}
	if qValues[0] != 1 {
		t.Errorf("qValues[0] = %v, want 1", qValues[0])
	}
}

func TestRunHonorsNodeBudget(t *testing.T) {
	settings := testSettings()
	var key uint64
	// Deep enough that the solver cannot end the search before the budget.
	root := deepTree(&key, 3, 3, 0)
	eval := &keyEval{policyLen: 3}
	thread, _ := newTestThread(eval, settings, 3)

	rootNode := evaluatedNode(t, &fakePos{s: root}, []float32{0, 0, 0}, 0, settings)
	thread.SetRootNode(rootNode)
	thread.SetRootPos(&fakePos{s: root})
	thread.SetSearchLimits(&SearchLimits{Nodes: 4})

	if err := thread.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	completed := rootNode.Visits() - 1 - rootNode.TerminalVisits()
	if completed < 4 {
		t.Errorf("stopped after %v completed descents, want >= 4", completed)
	}
	// One iteration can overshoot by at most a batch.
	if completed > 4+float32(settings.BatchSize) {
		t.Errorf("overshot the budget: %v completed descents", completed)
	}
}

// TestSingleNodeBudgetCompletesOneDescent pins the budget semantics: a
// budget of one admits exactly one descent beyond the prepared root.
func TestSingleNodeBudgetCompletesOneDescent(t *testing.T) {
	settings := testSettings()
	settings.BatchSize = 1

	root := leafState(1, 2, 0)
	root.next[0] = leafState(2, 1, 1)
	root.next[1] = leafState(3, 1, 1)

	eval := &keyEval{policyLen: 2, values: map[uint64]float32{2: 0.5, 3: 0.5}}
	thread, _ := newTestThread(eval, settings, 2)

	rootNode := evaluatedNode(t, &fakePos{s: root}, []float32{0, 0}, 0, settings)
	thread.SetRootNode(rootNode)
	thread.SetRootPos(&fakePos{s: root})
	thread.SetSearchLimits(&SearchLimits{Nodes: 1})

	if err := thread.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	visits, qValues, _ := rootNode.ChildStats()
	if visits[0] != 1 || visits[1] != 0 {
		t.Fatalf("childVisits = %v, want [1 0]", visits)
	}
	if rootNode.Visits() != 2 {
		t.Errorf("root Visits = %v, want 2", rootNode.Visits())
	}
	// The child scored +0.5 for its side to move.
	if math.Abs(float64(qValues[0]+0.5)) > 1e-6 {
		t.Errorf("qValues[0] = %v, want -0.5", qValues[0])
	}
}

// checkConservation walks the quiesced tree and verifies that every
// node's visit count equals one plus the sum of its child visits, with
// nothing negative left behind.
func checkConservation(t *testing.T, n *Node) {
	t.Helper()
	visits, _, _ := n.ChildStats()
	sum := float32(0)
	for i, v := range visits {
		if v < 0 {
			t.Errorf("negative childVisits[%d] = %v", i, v)
		}
		sum += v
	}
	if got := n.Visits(); got != 1+sum {
		t.Errorf("visits = %v, want 1 + %v", got, sum)
	}
	for i := 0; i < n.NumChildren(); i++ {
		if c := n.ChildNode(i); c != nil && !c.IsTerminal() && c.HasNNResults() {
			checkConservation(t, c)
		}
	}
}

func TestSearchConservesVisits(t *testing.T) {
	settings := testSettings()
	root := twoLevelTree()
	eval := &keyEval{policyLen: 3, values: map[uint64]float32{2: 0.5, 3: 0.5, 4: 0.5}}

	s := NewSearch(settings, fakeDims, identMapper{length: 3}, []inference.Evaluator{eval})
	if err := s.SetRootPos(&fakePos{s: root}); err != nil {
		t.Fatalf("SetRootPos: %v", err)
	}
	s.SetSearchLimits(&SearchLimits{Nodes: 12})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	checkConservation(t, s.RootNode())
}

func TestSearchSolvesDrawnTree(t *testing.T) {
	settings := testSettings()
	root := twoLevelTree()
	eval := &keyEval{policyLen: 3, values: map[uint64]float32{2: 0.5, 3: 0.5, 4: 0.5}}

	s := NewSearch(settings, fakeDims, identMapper{length: 3}, []inference.Evaluator{eval})
	if err := s.SetRootPos(&fakePos{s: root}); err != nil {
		t.Fatalf("SetRootPos: %v", err)
	}
	// Budget far beyond the 9-state tree: the solver must end the search.
	s.SetSearchLimits(&SearchLimits{Nodes: 10000})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := s.RootNode().NodeType(); got != SolvedDraw {
		t.Errorf("root NodeType = %v, want SolvedDraw", got)
	}
}

func TestEvaluatorErrorAbortsSearch(t *testing.T) {
	settings := testSettings()
	root := twoLevelTree()
	wantErr := errors.New("onnx session lost")

	good := &keyEval{policyLen: 3, values: map[uint64]float32{}}
	s := NewSearch(settings, fakeDims, identMapper{length: 3}, []inference.Evaluator{good})
	if err := s.SetRootPos(&fakePos{s: root}); err != nil {
		t.Fatalf("SetRootPos: %v", err)
	}

	// Swap in the failing evaluator after root preparation so the error
	// surfaces from a worker iteration.
	s.threads[0].eval = &errEval{policyLen: 3, err: wantErr}
	s.SetSearchLimits(&SearchLimits{Nodes: 100})
	err := s.Start(context.Background())
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("Start error = %v, want wrapped %v", err, wantErr)
	}
	if !strings.Contains(err.Error(), "nn predict") {
		t.Errorf("error %q does not name the predict step", err)
	}
}

func TestSetRootPosFailsOnEvaluatorError(t *testing.T) {
	settings := testSettings()
	bad := &errEval{policyLen: 3, err: errors.New("bad model")}
	s := NewSearch(settings, fakeDims, identMapper{length: 3}, []inference.Evaluator{bad})
	if err := s.SetRootPos(&fakePos{s: twoLevelTree()}); err == nil {
		t.Fatalf("expected root evaluation error")
	}
}

func TestEvaluatePicksMostVisitedMove(t *testing.T) {
	settings := testSettings()
	root := twoLevelTree()
	eval := &keyEval{policyLen: 3, values: map[uint64]float32{2: -0.8, 3: 0.5, 4: -0.8}}

	s := NewSearch(settings, fakeDims, identMapper{length: 3}, []inference.Evaluator{eval})
	if err := s.SetRootPos(&fakePos{s: root}); err != nil {
		t.Fatalf("SetRootPos: %v", err)
	}
	s.SetSearchLimits(&SearchLimits{Nodes: 30})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	info := s.Evaluate()
	if len(info.PolicyProbSmall) != 3 {
		t.Fatalf("policy over %d moves, want 3", len(info.PolicyProbSmall))
	}
	sum := float32(0)
	for _, p := range info.PolicyProbSmall {
		sum += p
	}
	if math.Abs(float64(sum-1)) > 1e-4 {
		t.Errorf("policy sums to %v, want 1", sum)
	}
	// Move into state 3 scores +0.5 for the opponent, so the root should
	// prefer one of the states it wins on.
	badIdx := -1
	for i, m := range info.LegalMoves {
		if m == 1 {
			badIdx = i
		}
	}
	if badIdx == info.BestMoveIdx {
		t.Errorf("best move walks into the opponent's best reply: %+v", info)
	}
}

// TestParallelWorkersConserveVisits runs four workers against one shared
// tree and transposition map. After the search quiesces, every node's
// visit count must equal one plus the sum of its child visits: collisions
// reverted exactly, no virtual loss left behind.
func TestParallelWorkersConserveVisits(t *testing.T) {
	settings := testSettings()
	settings.Threads = 4

	evals := make([]inference.Evaluator, settings.Threads)
	for i := range evals {
		evals[i] = inference.NewUniformEvaluator(tictactoe.Dims, tictactoe.PolicyLen)
	}
	s := NewSearch(settings, tictactoe.Dims, tictactoe.Mapper{}, evals)
	if err := s.SetRootPos(tictactoe.NewPosition()); err != nil {
		t.Fatalf("SetRootPos: %v", err)
	}
	s.SetSearchLimits(&SearchLimits{Nodes: 64})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	root := s.RootNode()
	if completed := root.Visits() - 1 - root.TerminalVisits(); completed < 64 {
		t.Errorf("completed %v descents, want >= 64", completed)
	}
	checkConservation(t, root)
}

func TestMoveTimeStopsSearch(t *testing.T) {
	settings := testSettings()
	root := twoLevelTree()
	eval := &keyEval{policyLen: 3, values: map[uint64]float32{2: 0.5, 3: 0.5, 4: 0.5}}

	s := NewSearch(settings, fakeDims, identMapper{length: 3}, []inference.Evaluator{eval})
	if err := s.SetRootPos(&fakePos{s: root}); err != nil {
		t.Fatalf("SetRootPos: %v", err)
	}
	s.SetSearchLimits(&SearchLimits{MoveTime: 1})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}
