// Command drugcheck trains and runs the drug package authentication model.
//
// Usage:
//
//	drugcheck -data-dir ./data -split-data -train
//	drugcheck -check package.jpg
//	drugcheck            # prompt for image paths
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sandiematt/Medi-Care/pipeline"
	"k8s.io/klog/v2"
)

func main() {
	cfg := pipeline.DefaultConfig()

	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory containing images (or train/val/test subfolders)")
	flag.BoolVar(&cfg.Train, "train", false, "Train the model")
	flag.BoolVar(&cfg.SplitData, "split-data", false, "Split data into train/val/test")
	flag.StringVar(&cfg.Check, "check", "", "Path to an image, or a directory of images, to check")

	flag.StringVar(&cfg.Checkpoint, "checkpoint", cfg.Checkpoint, "Best model file (.safetensors, .json or .onnx)")
	flag.StringVar(&cfg.Architecture, "arch", cfg.Architecture, "Backbone architecture")
	flag.StringVar(&cfg.Freeze, "freeze", cfg.Freeze, "Freeze policy: last-N or stages:prefix,...")
	flag.StringVar(&cfg.Pretrained, "pretrained", "", "ImageNet backbone weights (safetensors)")
	flag.StringVar(&cfg.Resume, "resume", "", "Continue training from this checkpoint")
	flag.BoolVar(&cfg.SaveOptimizer, "save-optimizer", false, "Store optimizer state in the best checkpoint")
	flag.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "Maximum number of epochs")
	flag.IntVar(&cfg.Patience, "patience", cfg.Patience, "Epochs without improvement before stopping")
	flag.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Batch size")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Image decoding workers")
	flag.IntVar(&cfg.CacheSize, "cache", cfg.CacheSize, "Decoded evaluation images kept in memory (0 disables)")
	flag.StringVar(&cfg.Precision, "precision", cfg.Precision, "Training precision: auto, fp32 or fp16")
	flag.StringVar(&cfg.Optimizer, "optimizer", cfg.Optimizer, "Optimizer: adamw or sgd")
	flag.StringVar(&cfg.Scheduler, "scheduler", cfg.Scheduler, "Learning rate schedule")
	flag.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed")
	flag.StringVar(&cfg.ExportONNX, "export-onnx", "", "Also export the best model as ONNX to this path")
	flag.StringVar(&cfg.ORTLibrary, "ort-lib", os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"), "onnxruntime shared library used for .onnx checkpoints")
	flag.StringVar(&cfg.AuditDB, "audit-db", "", "Record checks in this SQLite database")
	flag.BoolVar(&cfg.AuditReport, "audit-report", false, "Print a summary of the audit database and exit")
	flag.BoolVar(&cfg.JSON, "json", false, "Print check results as JSON")
	flag.BoolVar(&cfg.Progress, "progress", cfg.Progress, "Show progress bars while training")

	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := pipeline.Run(ctx, cfg, os.Stdin, os.Stdout)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrNoCheckpoint), errors.Is(err, context.Canceled):
		klog.Flush()
		os.Exit(1)
	default:
		klog.Errorf("Error: %v", err)
		klog.Flush()
		os.Exit(1)
	}
}
