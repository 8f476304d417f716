package main

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/akamensky/argparse"
	"go.uber.org/zap"

	"github.com/Brownie44l1/depth-api/internal/depth"
	"github.com/Brownie44l1/depth-api/internal/imageio"
	"github.com/Brownie44l1/depth-api/internal/logger"
	"github.com/Brownie44l1/depth-api/internal/model"
	"github.com/Brownie44l1/depth-api/internal/tensor"
)

func check(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type job struct {
	path string
	img  image.Image
}

func main() {
	parser := argparse.NewParser("depth", "Estimate depth maps with Depth-Anything")
	inputs := parser.StringList("i", "input", &argparse.Options{Help: "Input image file (repeatable)"})
	outDir := parser.String("o", "output", &argparse.Options{Help: "Output directory for 16-bit depth PNGs", Default: "."})
	modelName := parser.Selector("m", "model", model.Names(), &argparse.Options{Help: "Model size", Default: "Any_B"})
	hubDir := parser.String("", "hub", &argparse.Options{Help: "Model cache directory", Default: "pretrained_models/hub"})
	source := parser.Selector("", "source", []string{string(model.SourceRemote), string(model.SourceLocal)}, &argparse.Options{Help: "Where model files come from", Default: string(model.SourceRemote)})
	localPath := parser.String("", "local-path", &argparse.Options{Help: "Model repository path for --source local", Default: "../Depth-Anything_iw3"})
	baseURL := parser.String("", "base-url", &argparse.Options{Help: "Remote model repository URL"})
	gpus := parser.IntList("g", "gpu", &argparse.Options{Help: "CUDA device id (repeatable); none runs on the CPU"})
	libPath := parser.String("", "ort-lib", &argparse.Options{Help: "Path to the onnxruntime shared library"})
	batchSize := parser.Int("b", "batch-size", &argparse.Options{Help: "Images of the same size to run together", Default: 1})
	noFlip := parser.Flag("", "no-flip", &argparse.Options{Help: "Disable flip test-time augmentation"})
	lowVRAM := parser.Flag("", "low-vram", &argparse.Options{Help: "Run the flipped pass separately"})
	amp := parser.Flag("", "amp", &argparse.Options{Help: "Run the model in reduced precision"})
	float := parser.Flag("", "float", &argparse.Options{Help: "Keep float output instead of int16"})
	maxSide := parser.Int("", "max-side", &argparse.Options{Help: "Downscale inputs whose longer side exceeds this (0 = never)", Default: 0})
	hasModel := parser.Flag("", "has-model", &argparse.Options{Help: "Report whether the model weights are present and exit"})
	forceUpdate := parser.Flag("", "force-update", &argparse.Options{Help: "Download the model definitions again and exit"})
	debug := parser.Flag("", "debug", &argparse.Options{Help: "Verbose logging"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	log, err := logger.New(*debug)
	check(err)
	defer log.Sync()

	src := model.Source{Kind: model.SourceKind(*source), BaseURL: *baseURL}
	if src.Kind == model.SourceLocal {
		src.Path = *localPath
	}
	registry, err := model.NewRegistry(*hubDir, src, log)
	check(err)
	ctx := context.Background()

	if *hasModel {
		ok, err := registry.HasModel(*modelName)
		check(err)
		fmt.Println(ok)
		if !ok {
			os.Exit(2)
		}
		return
	}
	if *forceUpdate {
		check(registry.ForceUpdate(ctx))
		return
	}
	if len(*inputs) == 0 {
		fmt.Print(parser.Usage("at least one --input is required"))
		os.Exit(1)
	}

	server, err := model.NewServer(ctx, registry, model.Config{
		Name:              *modelName,
		Devices:           *gpus,
		SharedLibraryPath: *libPath,
	}, log)
	check(err)
	defer server.Close()

	pipeline := depth.NewPipeline(server, log)
	opts := depth.Options{
		FlipAug:   !*noFlip,
		LowVRAM:   *lowVRAM,
		Int16:     !*float,
		EnableAMP: *amp,
		Output:    depth.PlacementHost,
	}

	check(os.MkdirAll(*outDir, 0755))

	var pending []job
	flush := func() {
		if len(pending) == 0 {
			return
		}
		check(run(pipeline, pending, opts, *outDir, log))
		pending = pending[:0]
	}

	for _, path := range *inputs {
		img, err := decodeFile(path, *maxSide)
		check(err)
		if len(pending) > 0 && (pending[0].img.Bounds().Size() != img.Bounds().Size() || len(pending) >= *batchSize) {
			flush()
		}
		pending = append(pending, job{path: path, img: img})
	}
	flush()
}

func decodeFile(path string, maxSide int) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := imageio.Decode(f, maxSide)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// run infers a group of same-size images as one batch and writes one PNG per image.
func run(pipeline *depth.Pipeline, jobs []job, opts depth.Options, outDir string, log *zap.Logger) error {
	var (
		out *depth.Output
		err error
	)
	if len(jobs) == 1 {
		out, err = pipeline.InferImage(jobs[0].img, opts)
	} else {
		samples := make([]*tensor.Tensor, len(jobs))
		for i, j := range jobs {
			samples[i] = tensor.FromImage(j.img).Unsqueeze(0)
		}
		var batch *tensor.Tensor
		batch, err = tensor.Concat(samples...)
		if err != nil {
			return err
		}
		out, err = pipeline.Infer(batch, opts)
	}
	if err != nil {
		return err
	}

	for i, j := range jobs {
		sample := out
		if len(jobs) > 1 {
			sample = out.Sample(i)
		}
		name := strings.TrimSuffix(filepath.Base(j.path), filepath.Ext(j.path)) + "_depth.png"
		target := filepath.Join(outDir, name)
		if err := writePNG(target, sample); err != nil {
			return err
		}
		log.Info("depth map written", zap.String("input", j.path), zap.String("output", target))
	}
	return nil
}

func writePNG(path string, out *depth.Output) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := imageio.EncodeDepthPNG(f, out); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
