package inference

import "fmt"

// NewOnnxEvaluatorPool creates one ONNX session per search thread so the
// workers never contend on a shared session.
//
// Note: ORT environment initialization is process-global; OnnxEvaluator
// handles that internally.
func NewOnnxEvaluatorPool(modelPath string, sessions int, cfg OnnxConfig) ([]Evaluator, error) {
	if sessions <= 0 {
		sessions = 1
	}
	evals := make([]Evaluator, 0, sessions)
	for i := 0; i < sessions; i++ {
		e, err := NewOnnxEvaluator(modelPath, cfg)
		if err != nil {
			for _, created := range evals {
				if c, ok := created.(*OnnxEvaluator); ok {
					_ = c.Close()
				}
			}
			return nil, fmt.Errorf("create onnx evaluator %d/%d: %w", i+1, sessions, err)
		}
		evals = append(evals, e)
	}
	return evals, nil
}

// CloseEvaluators closes every evaluator that supports closing and
// returns the first error.
func CloseEvaluators(evals []Evaluator) error {
	var firstErr error
	for _, e := range evals {
		if c, ok := e.(*OnnxEvaluator); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
