package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/halilibrahimkanpak/he_inference/client"
	"github.com/halilibrahimkanpak/he_inference/config"
	"github.com/halilibrahimkanpak/he_inference/dataset"
)

func usage() {
	fmt.Println("Usage: he_client run [options]")
	fmt.Println("  run -config <file>          - Read options from <file>")
	fmt.Println("  run -inputs 0.1,0.2,0.3     - Encrypt the given inputs")
	fmt.Println("  run -mnist <dir> -offset n  - Encrypt MNIST test images [n, n+batch)")
}

func main() {
	if len(os.Args) < 2 || os.Args[1] != "run" {
		usage()
		os.Exit(1)
	}
	if err := run(os.Args[2:]); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath, addr, inputs, mnistDir string
	var batch, offset int
	var complexPacking, verbose bool

	flagSet := flag.NewFlagSet("run", flag.ExitOnError)
	flagSet.StringVar(&configPath, "config", "", "Client configuration file")
	flagSet.StringVar(&addr, "addr", "", "Server address")
	flagSet.IntVar(&batch, "batch", 0, "Batch size (<= CKKS slots)")
	flagSet.BoolVar(&complexPacking, "complex", false, "Pack two values per complex slot")
	flagSet.StringVar(&inputs, "inputs", "", "Comma separated input values")
	flagSet.StringVar(&mnistDir, "mnist", "", "MNIST data directory")
	flagSet.IntVar(&offset, "offset", 0, "Index of the first MNIST test image")
	flagSet.BoolVar(&verbose, "v", false, "Verbose output")
	flagSet.Parse(args)

	cfg := config.DefaultClientConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadClient(configPath); err != nil {
			return err
		}
	}
	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Address = addr
		case "batch":
			cfg.BatchSize = batch
		case "complex":
			cfg.ComplexPacking = complexPacking
		case "mnist":
			cfg.MNIST.Dir = mnistDir
		case "offset":
			cfg.MNIST.Offset = offset
		case "v":
			cfg.Verbose = verbose
		}
	})
	if inputs != "" {
		values, err := parseInputs(inputs)
		if err != nil {
			return err
		}
		cfg.Inputs = values
	}

	values := cfg.Inputs
	var labels []int
	if cfg.MNIST.Dir != "" {
		images, all, err := dataset.LoadTestSet(cfg.MNIST.Dir)
		if err != nil {
			return err
		}
		if values, err = images.Batch(cfg.MNIST.Offset, cfg.BatchSize); err != nil {
			return err
		}
		labels = all[cfg.MNIST.Offset : cfg.MNIST.Offset+cfg.BatchSize]
	}

	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	c, err := client.Dial(ctx, cfg.Address, client.Config{
		BatchSize:      cfg.BatchSize,
		ComplexPacking: cfg.ComplexPacking,
		Verbose:        cfg.Verbose,
		Logger:         log.New(os.Stderr, "client: ", log.LstdFlags),
	}, values)
	if err != nil {
		return err
	}
	if err := c.Wait(ctx); err != nil {
		return err
	}
	results, err := c.Results()
	if err != nil {
		return err
	}

	for i := 0; i < len(results); i += cfg.BatchSize {
		fmt.Printf("result %d: %v\n", i/cfg.BatchSize, results[i:i+cfg.BatchSize])
	}
	if labels != nil {
		predictions, err := dataset.Predictions(results, cfg.BatchSize)
		if err != nil {
			return err
		}
		acc, err := dataset.Accuracy(predictions, labels)
		if err != nil {
			return err
		}
		fmt.Printf("predictions: %v\nlabels:      %v\naccuracy:    %.2f\n", predictions, labels, acc)
	}
	if cfg.Verbose {
		c.Timing().Print(os.Stdout, c.IOStats())
	}
	return nil
}

func parseInputs(s string) ([]float64, error) {
	fields := strings.Split(s, ",")
	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid input %q: %w", f, err)
		}
		values[i] = v
	}
	return values, nil
}
