package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/sparsekit/sparsekit/backend/webgpu"
	"github.com/sparsekit/sparsekit/internal/spmath"
)

const version = "v0.1.0-dev"

type deviceInfo struct {
	Backend    string `json:"backend"`
	Name       string `json:"name"`
	Capability string `json:"capability"`
	Supported  bool   `json:"supported"`
}

func infoCmd() *cli.Command {
	var jsonOut bool

	return &cli.Command{
		Name:  "info",
		Usage: "Show available device backends",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "emit JSON on stdout",
				Destination: &jsonOut,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			backends := []string{"sim"}
			if webgpu.IsAvailable() {
				backends = append(backends, "webgpu")
			}

			var infos []deviceInfo
			for _, name := range backends {
				dev, err := openDevice(name)
				if err != nil {
					continue
				}
				attrs, err := dev.Attributes()
				_ = dev.Close()
				if err != nil {
					continue
				}
				infos = append(infos, deviceInfo{
					Backend:    name,
					Name:       attrs.Name,
					Capability: fmt.Sprintf("%d.%d", attrs.ComputeCapabilityMajor, attrs.ComputeCapabilityMinor),
					Supported:  spmath.SupportedCapability(attrs.ComputeCapabilityMajor, attrs.ComputeCapabilityMinor),
				})
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}
			for _, info := range infos {
				status := "unsupported"
				if info.Supported {
					status = "supported"
				}
				fmt.Printf("%-8s %-32s capability %s (%s)\n", info.Backend, info.Name, info.Capability, status)
			}
			return nil
		},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version",
		Action: func(ctx context.Context, c *cli.Command) error {
			fmt.Printf("sparsekit %s\n", version)
			return nil
		},
	}
}
