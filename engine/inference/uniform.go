package inference

import "github.com/lingsond/CrazyAra/engine/board"

// UniformEvaluator scores every position as 0 with a flat policy. It
// stands in for a real network in tests and model-free smoke runs, where
// the search degenerates to prior-guided exploration.
type UniformEvaluator struct {
	dims      board.Dims
	policyLen int
}

func NewUniformEvaluator(dims board.Dims, policyLen int) *UniformEvaluator {
	return &UniformEvaluator{dims: dims, policyLen: policyLen}
}

func (e *UniformEvaluator) IsPolicyMap() bool { return false }
func (e *UniformEvaluator) PolicyOutputLength() int { return e.policyLen }

func (e *UniformEvaluator) Predict(_ []float32, batchSize int, valueOut, policyOut []float32) error {
	for i := 0; i < batchSize; i++ {
		valueOut[i] = 0
	}
	for i := range policyOut[:batchSize*e.policyLen] {
		policyOut[i] = 0 // equal logits, softmax yields a uniform prior
	}
	return nil
}
