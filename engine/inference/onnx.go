package inference

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/lingsond/CrazyAra/engine/board"
)

// OnnxConfig describes the model's tensor layout. PolicyOutputLength is
// the length of one policy vector; PolicyMap marks nets whose policy head
// is already indexed by the full move space.
type OnnxConfig struct {
	Dims               board.Dims
	PolicyOutputLength int
	PolicyMap          bool

	// Tensor names; defaults are "input", "policy" and "value".
	InputName  string
	PolicyName string
	ValueName  string
}

func (c *OnnxConfig) applyDefaults() {
	if c.InputName == "" {
		c.InputName = "input"
	}
	if c.PolicyName == "" {
		c.PolicyName = "policy"
	}
	if c.ValueName == "" {
		c.ValueName = "value"
	}
}

// OnnxEvaluator runs synchronous batched inference through ONNX Runtime.
// One instance serves one search thread; the ORT environment itself is
// process-global and initialized once.
type OnnxEvaluator struct {
	session *ort.DynamicAdvancedSession
	cfg     OnnxConfig
}

var ortInitOnce sync.Once
var ortInitErr error

func NewOnnxEvaluator(modelPath string, cfg OnnxConfig) (*OnnxEvaluator, error) {
	cfg.applyDefaults()
	if cfg.Dims.Size() == 0 || cfg.PolicyOutputLength == 0 {
		return nil, fmt.Errorf("onnx config requires dims and policy output length")
	}

	if runtime.GOOS == "linux" {
		ensureLinuxLibraryPath()
		if p := os.Getenv("ORT_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		} else {
			cwd, _ := os.Getwd()
			candidates := []string{
				"libonnxruntime.so",
				"libonnxruntime.so.1",
			}
			for _, name := range candidates {
				abs := filepath.Join(cwd, name)
				if _, err := os.Stat(abs); err == nil {
					ort.SetSharedLibraryPath(abs)
					break
				}
			}
		}
	}

	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("failed to init ort: %w", ortInitErr)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	// One session per search thread; keep ORT's own threading out of the way.
	options.SetIntraOpNumThreads(1)
	options.SetInterOpNumThreads(1)

	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err == nil {
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			fmt.Println("Failed to append CUDA provider:", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{cfg.InputName}, []string{cfg.PolicyName, cfg.ValueName}, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &OnnxEvaluator{session: session, cfg: cfg}, nil
}

// ensureLinuxLibraryPath extends LD_LIBRARY_PATH with the usual CUDA and
// Torch shared-library locations from a project-local .venv.
func ensureLinuxLibraryPath() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	candidateDirs := []string{cwd}
	patterns := []string{
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "nvidia", "*", "lib"),
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "torch", "lib"),
	}
	for _, pat := range patterns {
		matches, _ := filepath.Glob(pat)
		candidateDirs = append(candidateDirs, matches...)
	}

	existing := os.Getenv("LD_LIBRARY_PATH")
	existingSet := map[string]bool{}
	for _, p := range strings.Split(existing, ":") {
		if p != "" {
			existingSet[p] = true
		}
	}

	toAdd := make([]string, 0, len(candidateDirs))
	for _, d := range candidateDirs {
		if existingSet[d] {
			continue
		}
		if st, err := os.Stat(d); err == nil && st.IsDir() {
			toAdd = append(toAdd, d)
		}
	}
	if len(toAdd) == 0 {
		return
	}

	newVal := strings.Join(toAdd, ":")
	if existing != "" {
		newVal = newVal + ":" + existing
	}
	_ = os.Setenv("LD_LIBRARY_PATH", newVal)
}

func (e *OnnxEvaluator) Close() error {
	return e.session.Destroy()
}

func (e *OnnxEvaluator) IsPolicyMap() bool { return e.cfg.PolicyMap }
func (e *OnnxEvaluator) PolicyOutputLength() int { return e.cfg.PolicyOutputLength }

// Predict runs one synchronous batch. The input and output slices belong
// to the caller; nothing is retained past return.
func (e *OnnxEvaluator) Predict(inputPlanes []float32, batchSize int, valueOut, policyOut []float32) error {
	d := e.cfg.Dims
	b := int64(batchSize)

	inputShape := ort.NewShape(b, int64(d.Channels), int64(d.Height), int64(d.Width))
	inputTensor, err := ort.NewTensor(inputShape, inputPlanes[:batchSize*d.Size()])
	if err != nil {
		return fmt.Errorf("create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	policyTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(b, int64(e.cfg.PolicyOutputLength)))
	if err != nil {
		return fmt.Errorf("create policy tensor: %w", err)
	}
	defer policyTensor.Destroy()

	valueTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(b, 1))
	if err != nil {
		return fmt.Errorf("create value tensor: %w", err)
	}
	defer valueTensor.Destroy()

	if err := e.session.Run([]ort.Value{inputTensor}, []ort.Value{policyTensor, valueTensor}); err != nil {
		return fmt.Errorf("run session: %w", err)
	}

	copy(policyOut, policyTensor.GetData()[:batchSize*e.cfg.PolicyOutputLength])
	copy(valueOut, valueTensor.GetData()[:batchSize])
	return nil
}
