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

// benchReport summarizes repeated matmuls over one compressed weight.
type benchReport struct {
	RunID   string `json:"run_id"`
	Backend string `json:"backend"`

	M     int64 `json:"m"`
	N     int64 `json:"n"`
	K     int64 `json:"k"`
	Batch int64 `json:"batch"`
	Iters int64 `json:"iters"`

	TotalMs   float64 `json:"total_ms"`
	PerIterMs float64 `json:"per_iter_ms"`
	GFlops    float64 `json:"gflops"`
}

func benchCmd() *cli.Command {
	var (
		backend  string
		logLevel string
		m        int64
		n        int64
		k        int64
		batch    int64
		seed     int64
		iters    int64
		jsonOut  bool
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Prune and compress once, then time repeated matmuls",
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
			&cli.Int64Flag{Name: "m", Value: 512, Destination: &m},
			&cli.Int64Flag{Name: "n", Value: 512, Destination: &n},
			&cli.Int64Flag{Name: "k", Value: 512, Destination: &k},
			&cli.Int64Flag{Name: "batch", Value: 1, Destination: &batch},
			&cli.Int64Flag{Name: "seed", Value: 1, Destination: &seed},
			&cli.Int64Flag{
				Name:        "iters",
				Usage:       "matmul repetitions",
				Value:       10,
				Destination: &iters,
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
			if iters < 1 {
				return fmt.Errorf("iters must be positive")
			}

			log := logger.Text(os.Stderr, logger.ParseLevel(logLevel))
			report := benchReport{
				RunID:   uuid.NewString(),
				Backend: backend,
				M:       m, N: n, K: k, Batch: batch, Iters: iters,
			}

			dev, err := openDevice(backend)
			if err != nil {
				return err
			}
			defer dev.Close()

			p, err := buildProblem(seed, int(m), int(n), int(k), int(batch), false)
			if err != nil {
				return err
			}
			lin, err := sparse.New(p.weight, int(batch))
			if err != nil {
				return err
			}
			defer lin.Close()

			if err := lin.Init(dev, p.activation, p.output, p.bias); err != nil {
				return fmt.Errorf("init: %w", err)
			}
			if err := lin.Prune(); err != nil {
				return fmt.Errorf("prune: %w", err)
			}
			if err := lin.Compress(); err != nil {
				return fmt.Errorf("compress: %w", err)
			}
			log.Info("pipeline ready", "run_id", report.RunID)

			start := time.Now()
			for i := int64(0); i < iters; i++ {
				if err := lin.MaskedMM(); err != nil {
					return fmt.Errorf("masked_mm iteration %d: %w", i, err)
				}
			}
			report.TotalMs = msSince(start)
			report.PerIterMs = report.TotalMs / float64(iters)
			// Dense-equivalent operation count; the sparse kernel does half
			// the multiplies.
			flops := 2 * float64(m) * float64(n) * float64(k) * float64(batch) * float64(iters)
			report.GFlops = flops / (report.TotalMs * 1e6)

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Printf("bench %s: %dx%dx%d batch=%d, %d iters\n", backend, m, n, k, batch, iters)
			fmt.Printf("  %.2fms total, %.3fms per matmul, %.2f GFLOP/s dense-equivalent\n",
				report.TotalMs, report.PerIterMs, report.GFlops)
			return nil
		},
	}
}
