package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/mark3labs/mcp-go/server"

	"github.com/scbridge/scbridge/internal/config"
	scmcp "github.com/scbridge/scbridge/internal/mcp"
	"github.com/scbridge/scbridge/internal/pipeline"
	"github.com/scbridge/scbridge/internal/scvi"
	"github.com/scbridge/scbridge/internal/store"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "express":
		err = runExpress(os.Args[2:])
	case "assign":
		err = runAssign(os.Args[2:])
	case "runs":
		err = runRuns(os.Args[2:])
	case "predictions":
		err = runPredictions(os.Args[2:])
	case "mcp":
		err = runMCP(os.Args[2:])
	case "config":
		err = runConfig(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("scbridge %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are shared by the pipeline subcommands.
type commonFlags struct {
	configPath  string
	db          string
	endpoint    string
	seed        string
	accelerator string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "config file path (default ~/.scbridge/config.yaml)")
	fs.StringVar(&c.db, "db", "", "database path")
	fs.StringVar(&c.endpoint, "endpoint", "", "model service base URL")
	fs.StringVar(&c.seed, "seed", "", "training seed")
	fs.StringVar(&c.accelerator, "accelerator", "", "accelerator preference: gpu or cpu")
}

func (c *commonFlags) resolve(onnxModel string) (config.ResolvedConfig, error) {
	return config.ResolveConfig(config.ResolveOptions{
		ConfigPath:     c.configPath,
		CLIDBPath:      c.db,
		CLIEndpoint:    c.endpoint,
		CLISeed:        c.seed,
		CLIAccelerator: c.accelerator,
		CLIONNXModel:   onnxModel,
	})
}

func openDeps(cfg config.ResolvedConfig, needService bool) (pipeline.Deps, func(), error) {
	var deps pipeline.Deps

	if needService {
		if cfg.Endpoint.Value == "" {
			return deps, nil, fmt.Errorf("no model service endpoint configured (set --endpoint, SCBRIDGE_ENDPOINT, or service.endpoint in %s)", cfg.ConfigPath)
		}
		client, err := scvi.NewClient(scvi.Config{
			Endpoint:   cfg.Endpoint.Value,
			APIKey:     cfg.APIKey.Value,
			MaxRetries: 3,
		})
		if err != nil {
			return deps, nil, err
		}
		deps.Client = client
	}

	st, err := store.NewStore(store.StoreConfig{DBPath: cfg.DBPath.Value})
	if err != nil {
		return deps, nil, fmt.Errorf("opening store: %w", err)
	}
	deps.Store = st
	return deps, func() { st.Close() }, nil
}

func runExpress(args []string) error {
	fs := flag.NewFlagSet("express", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	dryRun := fs.Bool("dry-run", false, "preprocess only, no training")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: scbridge express <matrix-dir> [flags]")
	}

	cfg, err := common.resolve("")
	if err != nil {
		return err
	}
	seed, err := cfg.SeedValue()
	if err != nil {
		return err
	}

	deps, cleanup, err := openDeps(cfg, !*dryRun)
	if err != nil {
		return err
	}
	defer cleanup()

	params := scvi.DefaultSCVIParams()
	params.Seed = seed

	fmt.Printf("Training expression model on %s...\n", fs.Arg(0))
	res, err := pipeline.Express(context.Background(), deps, pipeline.ExpressOptions{
		MatrixDir: fs.Arg(0),
		Params:    params,
		DryRun:    *dryRun,
	})
	if err != nil {
		return err
	}
	if *dryRun {
		fmt.Printf("Dry run: %d cells x %d genes ready for training\n", res.NCells, res.NGenes)
		return nil
	}
	fmt.Printf("Trained model %s on %d cells x %d genes (run %d)\n", res.ModelID, res.NCells, res.NGenes, res.RunID)
	return nil
}

func runAssign(args []string) error {
	fs := flag.NewFlagSet("assign", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	onnxModel := fs.String("onnx", "", "predict locally with an exported ONNX graph")
	allowCPU := fs.Bool("allow-cpu", false, "fall back to CPU when no GPU is available")
	dryRun := fs.Bool("dry-run", false, "preprocess only, no training or prediction")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: scbridge assign <reference.tsv> <matrix-dir> [flags]")
	}

	cfg, err := common.resolve(*onnxModel)
	if err != nil {
		return err
	}
	seed, err := cfg.SeedValue()
	if err != nil {
		return err
	}

	deps, cleanup, err := openDeps(cfg, !*dryRun)
	if err != nil {
		return err
	}
	defer cleanup()

	params := scvi.CellAssignParams{
		Seed:             seed,
		Accelerator:      cfg.Accelerator.Value,
		AllowCPUFallback: *allowCPU,
	}
	opts := pipeline.AssignOptions{
		ReferencePath: fs.Arg(0),
		MatrixDir:     fs.Arg(1),
		Params:        params,
		DryRun:        *dryRun,
	}
	if cfg.ONNXModelPath.Value != "" {
		opts.ONNX = &scvi.ONNXConfig{
			ModelPath:         cfg.ONNXModelPath.Value,
			SharedLibraryPath: cfg.ONNXLibraryPath.Value,
			Accelerator:       cfg.Accelerator.Value,
			AllowCPUFallback:  *allowCPU,
		}
	}

	fmt.Printf("Assigning cell types for %s against %s...\n", fs.Arg(1), fs.Arg(0))
	res, err := pipeline.Assign(context.Background(), deps, opts)
	if err != nil {
		return err
	}
	if *dryRun {
		fmt.Printf("Dry run: %d shared genes ready for assignment\n", res.SharedGenes)
		return nil
	}

	fmt.Printf("Predicted %d cells across %d cell types (%d shared genes, run %d)\n",
		len(res.Prediction.Barcodes), len(res.Prediction.CellTypes), res.SharedGenes, res.RunID)
	return nil
}

func runRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	limit := fs.Int("limit", 20, "maximum runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.resolve("")
	if err != nil {
		return err
	}
	st, err := store.NewStore(store.StoreConfig{DBPath: cfg.DBPath.Value})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	runs, err := st.ListRuns(context.Background(), *limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}
	for _, r := range runs {
		finished := "-"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%4d  %-8s %-9s seed=%d  %s  %s\n", r.ID, r.Pipeline, r.Status, r.Seed, finished, r.DatasetPath)
		if r.Error != "" {
			fmt.Printf("      error: %s\n", r.Error)
		}
	}
	return nil
}

func runPredictions(args []string) error {
	fs := flag.NewFlagSet("predictions", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	limit := fs.Int("limit", 50, "maximum cells to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: scbridge predictions <run-id> [flags]")
	}
	runID, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid run id %q", fs.Arg(0))
	}

	cfg, err := common.resolve("")
	if err != nil {
		return err
	}
	st, err := store.NewStore(store.StoreConfig{DBPath: cfg.DBPath.Value})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if _, err := st.GetRun(context.Background(), runID); err != nil {
		return err
	}
	rows, err := st.GetPredictions(context.Background(), runID, *limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No predictions recorded for this run")
		return nil
	}
	for _, p := range rows {
		fmt.Printf("%-20s %-20s %.4f\n", p.Barcode, p.CellType, p.Probability)
	}
	return nil
}

func runMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.resolve("")
	if err != nil {
		return err
	}
	st, err := store.NewStore(store.StoreConfig{DBPath: cfg.DBPath.Value})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	srv := scmcp.NewServer(scmcp.ServerConfig{Store: st, Version: version})
	return server.ServeStdio(srv)
}

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.resolve("")
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printUsage() {
	fmt.Printf(`scbridge %s — single-cell data preparation and model driver

Usage:
  scbridge <command> [arguments]

Commands:
  express <matrix-dir>              Train the expression model on a merged dataset
  assign <reference.tsv> <matrix-dir>
                                    Assign cell types against a marker-gene reference
  runs                              List recorded pipeline runs
  predictions <run-id>              Show per-cell calls for an assignment run
  mcp                               Serve runs and predictions over MCP (stdio)
  config                            Show the resolved configuration and its sources
  version                           Print version

Run "scbridge <command> -h" for command flags.
`, version)
}
