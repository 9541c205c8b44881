// onnx2nhwc translates an ONNX model to a channels-last GoMLX graph and reports every layout conversion it needed.
//
// Usage:
//
//	onnx2nhwc -model=resnet.onnx [-batch=8] [-run] [-strict]
//	onnx2nhwc -hub=recursionerr/nsfw_01 -file=inception_v3.onnx -run
//
// The exit code is non-zero if the translation fails, which with -strict includes any transpose inserted
// after the graph inputs.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-nhwc/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagModel   = flag.String("model", "", "Path to the ONNX model file.")
	flagHub     = flag.String("hub", "", "HuggingFace repository to download the model from, instead of -model.")
	flagFile    = flag.String("file", "model.onnx", "File name within the -hub repository.")
	flagBatch   = flag.Int("batch", 1, "Batch size used for unbound batch dimensions during the translation.")
	flagBackend = flag.String("backend", "", "GoMLX backend configuration, e.g. \"xla:cpu\" or \"go\". Defaults to $GOMLX_BACKEND.")
	flagRun     = flag.Bool("run", false, "Execute the translated model once on random inputs.")
	flagStrict  = flag.Bool("strict", false, "Fail the translation on any layout conversion.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func run() error {
	modelPath, err := resolveModelPath()
	if err != nil {
		return err
	}
	info, err := os.Stat(modelPath)
	if err != nil {
		return errors.Wrapf(err, "failed to stat %s", modelPath)
	}
	fmt.Printf("Model file:\t%s (%s)\n", modelPath, humanize.Bytes(uint64(info.Size())))

	model, err := onnx.ReadFile(modelPath)
	if err != nil {
		return err
	}
	defer func() { _ = model.Close() }()
	fmt.Printf("%s\n", model)

	backend, err := newBackend()
	if err != nil {
		return err
	}
	defer backend.Finalize()
	fmt.Printf("Backend:\t%s\n", backend.Description())

	var diag onnx.Diagnostics
	collector := &onnx.DiagnosticsCollector{}
	diag = collector
	if *flagStrict {
		diag = onnx.FailOnConversion{}
	}
	start := time.Now()
	tr, err := model.Translate(backend, context.New(), onnx.WithDiagnostics(diag), onnx.WithBatchSize(*flagBatch))
	if err != nil {
		return err
	}
	defer tr.Finalize()
	fmt.Printf("Translated in %s:\t%s\n", time.Since(start), tr)

	events := collector.Events()
	fmt.Printf("Layout conversions:\t%d\n", len(events))
	for _, event := range events {
		fmt.Printf("\t- %s\n", event)
	}

	if !*flagRun {
		return nil
	}
	inputs := make([]*tensors.Tensor, len(tr.InputShapes()))
	for ii, shape := range tr.InputShapes() {
		inputs[ii] = randomTensor(shape)
	}
	start = time.Now()
	outputs, err := tr.Exec(inputs...)
	if err != nil {
		return err
	}
	fmt.Printf("Executed in %s:\n", time.Since(start))
	for ii, output := range outputs {
		fmt.Printf("\t- %s:\t%s (%s)\n", model.OutputsNames[ii], output.Shape(), tr.OutputLayouts()[ii])
		output.FinalizeAll()
	}
	return nil
}

// resolveModelPath returns -model, or downloads -file from the -hub repository.
func resolveModelPath() (string, error) {
	if *flagHub == "" {
		if *flagModel == "" {
			return "", errors.New("either -model or -hub must be set")
		}
		return *flagModel, nil
	}
	repo := hub.New(*flagHub)
	if !repo.HasFile(*flagFile) {
		return "", errors.Errorf("file %q not found in HuggingFace repository %q", *flagFile, *flagHub)
	}
	path, err := repo.DownloadFile(*flagFile)
	if err != nil {
		return "", errors.WithMessagef(err, "while downloading %q from %q", *flagFile, *flagHub)
	}
	return path, nil
}

func newBackend() (backends.Backend, error) {
	if *flagBackend == "" {
		return backends.New()
	}
	return backends.NewWithConfig(*flagBackend)
}

// randomTensor returns a tensor of the given shape with uniform values in [0, 1), or [0, 10) for integer dtypes.
func randomTensor(shape shapes.Shape) *tensors.Tensor {
	r := rand.New(rand.NewPCG(42, 0))
	t := tensors.FromShape(shape)
	switch shape.DType {
	case dtypes.Float32:
		tensors.MutableFlatData[float32](t, func(flat []float32) {
			for ii := range flat {
				flat[ii] = r.Float32()
			}
		})
	case dtypes.Float64:
		tensors.MutableFlatData[float64](t, func(flat []float64) {
			for ii := range flat {
				flat[ii] = r.Float64()
			}
		})
	case dtypes.Int64:
		tensors.MutableFlatData[int64](t, func(flat []int64) {
			for ii := range flat {
				flat[ii] = r.Int64N(10)
			}
		})
	case dtypes.Int32:
		tensors.MutableFlatData[int32](t, func(flat []int32) {
			for ii := range flat {
				flat[ii] = r.Int32N(10)
			}
		})
	}
	return t
}
