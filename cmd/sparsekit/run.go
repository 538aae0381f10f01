package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/sparsekit/sparsekit/internal/logger"
	"github.com/sparsekit/sparsekit/sparse"
)

// runReport is the machine-readable result of one pipeline run.
type runReport struct {
	RunID   string `json:"run_id"`
	Backend string `json:"backend"`
	Device  string `json:"device,omitempty"`

	M     int64 `json:"m"`
	N     int64 `json:"n"`
	K     int64 `json:"k"`
	Batch int64 `json:"batch"`
	Seed  int64 `json:"seed"`

	InitMs     float64 `json:"init_ms"`
	PruneMs    float64 `json:"prune_ms"`
	CompressMs float64 `json:"compress_ms"`
	MatmulMs   float64 `json:"matmul_ms"`

	WorkspaceBytes uint64 `json:"workspace_bytes"`
	PeakBytes      uint64 `json:"peak_bytes"`
	TotalAllocs    uint64 `json:"total_allocs"`
}

func runCmd() *cli.Command {
	var (
		backend   string
		logLevel  string
		m         int64
		n         int64
		k         int64
		batch     int64
		seed      int64
		broadcast bool
		jsonOut   bool
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run the full prune/compress/matmul pipeline once",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "backend",
				Aliases:     []string{"b"},
				Usage:       "device backend (sim, webgpu)",
				Value:       "sim",
				Destination: &backend,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Value:       "info",
				Destination: &logLevel,
			},
			&cli.Int64Flag{
				Name:        "m",
				Usage:       "output rows",
				Value:       128,
				Destination: &m,
			},
			&cli.Int64Flag{
				Name:        "n",
				Usage:       "output columns",
				Value:       64,
				Destination: &n,
			},
			&cli.Int64Flag{
				Name:        "k",
				Usage:       "inner dimension (must be divisible by 4)",
				Value:       256,
				Destination: &k,
			},
			&cli.Int64Flag{
				Name:        "batch",
				Usage:       "batch count",
				Value:       1,
				Destination: &batch,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "RNG seed for the generated operands",
				Value:       1,
				Destination: &seed,
			},
			&cli.BoolFlag{
				Name:        "broadcast-weight",
				Usage:       "share one 2-D weight across the batch",
				Destination: &broadcast,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "emit a JSON report on stdout",
				Destination: &jsonOut,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			applyConfig(c, cfg, &backend, &logLevel, &m, &n, &k, &batch, &seed)

			log := logger.Text(os.Stderr, logger.ParseLevel(logLevel))
			report := runReport{
				RunID:   uuid.NewString(),
				Backend: backend,
				M:       m, N: n, K: k, Batch: batch, Seed: seed,
			}
			log = log.With("run_id", report.RunID)

			dev, err := openDevice(backend)
			if err != nil {
				return err
			}
			defer dev.Close()
			if attrs, err := dev.Attributes(); err == nil {
				report.Device = attrs.Name
				log.Debug("device opened",
					"name", attrs.Name,
					"capability", fmt.Sprintf("%d.%d", attrs.ComputeCapabilityMajor, attrs.ComputeCapabilityMinor))
			}

			p, err := buildProblem(seed, int(m), int(n), int(k), int(batch), broadcast)
			if err != nil {
				return err
			}

			lin, err := sparse.New(p.weight, int(batch))
			if err != nil {
				return err
			}
			defer lin.Close()

			start := time.Now()
			if err := lin.Init(dev, p.activation, p.output, p.bias); err != nil {
				return fmt.Errorf("init: %w", err)
			}
			report.InitMs = msSince(start)
			log.Info("initialized", "ms", report.InitMs)

			start = time.Now()
			if err := lin.Prune(); err != nil {
				return fmt.Errorf("prune: %w", err)
			}
			report.PruneMs = msSince(start)
			log.Info("pruned", "ms", report.PruneMs)

			start = time.Now()
			if err := lin.Compress(); err != nil {
				return fmt.Errorf("compress: %w", err)
			}
			report.CompressMs = msSince(start)
			log.Info("compressed", "ms", report.CompressMs)

			start = time.Now()
			if err := lin.MaskedMM(); err != nil {
				return fmt.Errorf("masked_mm: %w", err)
			}
			report.MatmulMs = msSince(start)
			log.Info("matmul done", "ms", report.MatmulMs)

			report.WorkspaceBytes = lin.WorkspaceSize()
			stats := lin.Stats()
			report.PeakBytes = stats.PeakBytes
			report.TotalAllocs = stats.TotalAllocs

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Printf("run %s on %s: %dx%dx%d batch=%d\n", report.RunID, report.Device, m, n, k, batch)
			fmt.Printf("  init %.2fms  prune %.2fms  compress %.2fms  matmul %.2fms\n",
				report.InitMs, report.PruneMs, report.CompressMs, report.MatmulMs)
			fmt.Printf("  peak device memory %d bytes over %d allocations\n", report.PeakBytes, report.TotalAllocs)
			return nil
		},
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}
