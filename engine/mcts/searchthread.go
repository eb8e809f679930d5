package mcts

import (
	"fmt"
	"sync/atomic"

	"github.com/lingsond/CrazyAra/engine/board"
	"github.com/lingsond/CrazyAra/engine/inference"
)

// terminalNodeCache caps how many terminal descents a single mini-batch
// may absorb before it is flushed. Without it a solved subtree could spin
// a worker forever without ever reaching the NN.
const terminalNodeCache = 8192

// nodeDescription classifies the outcome of one descent.
type nodeDescription struct {
	depth       int
	isCollision bool
	isTerminal  bool
}

// batchEntry records where a descent ended: the parent whose slot was
// penalized with virtual loss and the node occupying that slot. Backups
// always target the recorded slot, which keeps virtual loss conserved
// even when the child aliases a transposition.
type batchEntry struct {
	parent   *Node
	childIdx int
	node     *Node
}

// SearchThread runs the select/expand/evaluate/backup loop of one worker.
// Each thread owns its batch buffers and NN input/output arrays; the node
// tree and the transposition map are the only shared state.
type SearchThread struct {
	eval     inference.Evaluator
	settings *SearchSettings
	limits   *SearchLimits
	hashMap  *MapWithMutex
	dims     board.Dims
	mapper   board.PolicyMapper

	rootNode *Node
	rootPos  board.Position

	inputPlanes  []float32
	valueOutputs []float32
	probOutputs  []float32

	newNodes           *fixedVector[batchEntry]
	transpositionNodes *fixedVector[batchEntry]
	collisionNodes     *fixedVector[batchEntry]

	running  atomic.Bool
	tbHits   uint64
	maxDepth int
}

func NewSearchThread(eval inference.Evaluator, settings *SearchSettings, hashMap *MapWithMutex, dims board.Dims, mapper board.PolicyMapper) *SearchThread {
	b := settings.BatchSize
	return &SearchThread{
		eval:               eval,
		settings:           settings,
		hashMap:            hashMap,
		dims:               dims,
		mapper:             mapper,
		inputPlanes:        make([]float32, b*dims.Size()),
		valueOutputs:       make([]float32, b),
		probOutputs:        make([]float32, b*eval.PolicyOutputLength()),
		newNodes:           newFixedVector[batchEntry](b),
		transpositionNodes: newFixedVector[batchEntry](2 * b),
		collisionNodes:     newFixedVector[batchEntry](b),
	}
}

func (t *SearchThread) SetRootNode(n *Node) { t.rootNode = n }
func (t *SearchThread) SetRootPos(pos board.Position) { t.rootPos = pos }
func (t *SearchThread) SetSearchLimits(l *SearchLimits) { t.limits = l }
func (t *SearchThread) IsRunning() bool { return t.running.Load() }
func (t *SearchThread) Stop() { t.running.Store(false) }
func (t *SearchThread) TBHits() uint64 { return t.tbHits }
func (t *SearchThread) MaxDepth() int { return t.maxDepth }

// newChildToEvaluate performs one root-to-leaf descent. Virtual loss is
// applied to the chosen slot before the parent lock is released so that
// concurrent descents are steered elsewhere; the child pointer is read
// under the same lock. The position is advanced outside the lock.
func (t *SearchThread) newChildToEvaluate(pos board.Position, states *[]*board.StateInfo, desc *nodeDescription) (*Node, int, *Node) {
	currentNode := t.rootNode
	desc.depth = 0
	for {
		currentNode.Lock()
		childIdx := currentNode.SelectChild(t.settings)
		currentNode.ApplyVirtualLoss(childIdx, t.settings.VirtualLoss)
		nextNode := currentNode.ChildNode(childIdx)
		move := currentNode.legalMoves[childIdx]
		currentNode.Unlock()
		desc.depth++

		st := &board.StateInfo{}
		*states = append(*states, st)

		if nextNode == nil {
			desc.isCollision = false
			desc.isTerminal = false
			pos.DoMove(move, st)
			return currentNode, childIdx, nil
		}
		if nextNode.IsTerminal() {
			desc.isCollision = false
			desc.isTerminal = true
			pos.DoMove(move, st)
			return currentNode, childIdx, nextNode
		}
		if !nextNode.HasNNResults() {
			desc.isCollision = true
			desc.isTerminal = false
			pos.DoMove(move, st)
			return currentNode, childIdx, nextNode
		}
		pos.DoMove(move, st)
		currentNode = nextNode
	}
}

// addNewNodeToTree expands the selected slot: a verified transposition
// hit reuses the stored evaluation without NN work, everything else
// becomes a fresh node whose planes are serialized into the batch input.
func (t *SearchThread) addNewNodeToTree(newPos board.Position, parent *Node, childIdx int, lastState *board.StateInfo) {
	if t.settings.UseTranspositionTable {
		if hit, ok := t.hashMap.Lookup(newPos.HashKey()); ok && isTranspositionVerified(hit, newPos, lastState) {
			alias := newTranspositionNode(hit, newPos, parent, childIdx, t.settings)
			parent.IncrementNoVisitIdx()
			parent.AddTranspositionChild(childIdx, alias)
			t.transpositionNodes.Add(batchEntry{parent: parent, childIdx: childIdx, node: alias})
			return
		}
	}
	parent.IncrementNoVisitIdx()
	node := NewNode(newPos, parent, childIdx)
	newPos.WritePlanes(t.inputPlanes[t.newNodes.Size()*t.dims.Size():])
	parent.AddNewChild(childIdx, node)
	t.newNodes.Add(batchEntry{parent: parent, childIdx: childIdx, node: node})
}

// createMiniBatch descends until a buffer fills or the terminal cap hits.
func (t *SearchThread) createMiniBatch() {
	numTerminalNodes := 0
	for !t.newNodes.IsFull() &&
		!t.collisionNodes.IsFull() &&
		!t.transpositionNodes.IsFull() &&
		numTerminalNodes < terminalNodeCache {

		newPos := t.rootPos.Clone()
		states := make([]*board.StateInfo, 0, 64)
		var desc nodeDescription
		parent, childIdx, child := t.newChildToEvaluate(newPos, &states, &desc)
		if desc.depth > t.maxDepth {
			t.maxDepth = desc.depth
		}

		switch {
		case desc.isTerminal:
			numTerminalNodes++
			t.backupValue(parent, childIdx, -child.Value(), true, child)
		case desc.isCollision:
			t.collisionNodes.Add(batchEntry{parent: parent, childIdx: childIdx, node: child})
		default:
			t.addNewNodeToTree(newPos, parent, childIdx, states[len(states)-1])
		}
	}
}

// fillNNResults assigns one batch slot to its node: gather priors, policy
// post-processing (softmax → enhancement → temperature), value
// assignment, move ordering, then the publication gate.
func (t *SearchThread) fillNNResults(batchIdx int, node *Node) {
	policyLen := t.eval.PolicyOutputLength()
	policy := t.probOutputs[batchIdx*policyLen : (batchIdx+1)*policyLen]
	node.SetProbabilitiesForMoves(policy, t.mapper)
	if t.eval.IsPolicyMap() {
		node.normalizePolicy()
	} else {
		node.applySoftmax()
	}
	node.enhanceMoves(t.settings)
	node.applyTemperature(t.settings.PolicyTemperature)
	node.assignValue(t.valueOutputs[batchIdx], &t.tbHits)
	node.sortMovesByProbabilities()
	node.EnableNNResults(t.settings)
}

// setNNResultsToChildNodes publishes the batch results and registers the
// evaluated nodes in the transposition map. Insertion happens only after
// the gate flips, so any worker that finds a node in the map observes a
// normalized prior.
func (t *SearchThread) setNNResultsToChildNodes() {
	for batchIdx, entry := range t.newNodes.Slice() {
		node := entry.node
		if !node.IsTerminal() {
			t.fillNNResults(batchIdx, node)
		}
		t.hashMap.Insert(node.HashKey(), node)
	}
}

// backupValue walks the recorded slot and then the parent chain up to the
// root, flipping the value sign each ply. Solved child states propagate
// alongside the value so a proven subtree can end the search.
func (t *SearchThread) backupValue(parent *Node, childIdx int, value float32, terminal bool, child *Node) {
	vloss := t.settings.VirtualLoss
	cur, idx, v, node := parent, childIdx, value, child
	for {
		cur.BackupValue(idx, vloss, v)
		if ct := node.NodeType(); ct != Unsolved {
			cur.updateSolvedState(idx, ct)
		}
		next := cur.Parent()
		if next == nil {
			if terminal {
				cur.addTerminalVisit()
			}
			return
		}
		idx = cur.childIdxOfParent
		node = cur
		cur = next
		v = -v
	}
}

func (t *SearchThread) backupValueOutputs() {
	for _, entry := range t.newNodes.Slice() {
		t.backupValue(entry.parent, entry.childIdx, -entry.node.Value(), entry.node.IsTerminal(), entry.node)
	}
	t.newNodes.Reset()
	for _, entry := range t.transpositionNodes.Slice() {
		t.backupValue(entry.parent, entry.childIdx, -entry.node.Value(), false, entry.node)
	}
	t.transpositionNodes.Reset()
}

// backupCollisions reverts the virtual loss along the whole descent path.
// The path equals the parent chain of the recorded slot, so no trajectory
// needs to be stored. The revert is exact: statistics return bit-identical
// to their pre-descent values.
func (t *SearchThread) backupCollisions() {
	vloss := t.settings.VirtualLoss
	for _, entry := range t.collisionNodes.Slice() {
		cur, idx := entry.parent, entry.childIdx
		for {
			cur.BackupCollision(idx, vloss)
			next := cur.Parent()
			if next == nil {
				break
			}
			idx = cur.childIdxOfParent
			cur = next
		}
	}
	t.collisionNodes.Reset()
}

// ThreadIteration assembles one mini-batch, evaluates it and backs the
// results up. An evaluator error aborts the iteration; outstanding
// virtual losses are not reverted because the search is torn down.
func (t *SearchThread) ThreadIteration() error {
	t.createMiniBatch()
	if n := t.newNodes.Size(); n > 0 {
		if err := t.eval.Predict(t.inputPlanes[:n*t.dims.Size()], n, t.valueOutputs[:n], t.probOutputs[:n*t.eval.PolicyOutputLength()]); err != nil {
			return fmt.Errorf("nn predict: %w", err)
		}
		t.setNNResultsToChildNodes()
	}
	t.backupValueOutputs()
	t.backupCollisions()
	return nil
}

func (t *SearchThread) nodesLimitOK() bool {
	if t.limits == nil || t.limits.Nodes == 0 {
		return true
	}
	// The root's own evaluation does not count against the budget: a
	// budget of N admits N completed descents.
	return t.rootNode.Visits()-1-t.rootNode.TerminalVisits() < float32(t.limits.Nodes)
}

// Run drives iterations until stopped, the node budget is exhausted or
// the root is solved. The first evaluator error stops the thread and is
// returned to the caller.
func (t *SearchThread) Run() error {
	t.running.Store(true)
	t.tbHits = 0
	t.maxDepth = 0
	defer t.running.Store(false)
	for t.running.Load() && t.nodesLimitOK() && t.rootNode.NodeType() == Unsolved {
		if err := t.ThreadIteration(); err != nil {
			return err
		}
	}
	return nil
}
