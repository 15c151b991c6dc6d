// Package main provides the forge model export CLI.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/forge-ml/forge/export"
	"github.com/forge-ml/forge/internal/validate"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	app := &cli.App{
		Name:    "forge",
		Usage:   "convert models into self-contained inference packages",
		Version: export.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "log level (trace, debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", c.String("log-level"), err)
			}
			log.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			exportCommand(log),
			tasksCommand(),
			inspectCommand(),
			validateCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func exportCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "export a model as an inference package",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Usage: "model directory", Aliases: []string{"m"}},
			&cli.StringFlag{Name: "arch", Usage: "model architecture, e.g. vit or bert"},
			&cli.StringFlag{Name: "task", Usage: "inference task, e.g. image-classification"},
			&cli.StringFlag{Name: "output", Usage: "package directory to create", Aliases: []string{"o"}},
			&cli.IntFlag{Name: "arity", Usage: "number of text inputs (1-3)"},
			&cli.IntFlag{Name: "sequence-length", Usage: "text sequence length"},
			&cli.BoolFlag{Name: "no-softmax", Usage: "keep raw logits instead of probabilities"},
			&cli.StringFlag{Name: "manifest", Usage: "batch manifest YAML; overrides the other flags"},
		},
		Action: func(c *cli.Context) error {
			if path := c.String("manifest"); path != "" {
				return runBatch(c, log, path)
			}

			for _, flag := range []string{"model", "arch", "task", "output"} {
				if c.String(flag) == "" {
					return fmt.Errorf("--%s is required", flag)
				}
			}

			req := export.Request{
				ModelDir:       c.String("model"),
				Architecture:   c.String("arch"),
				Task:           c.String("task"),
				Output:         c.String("output"),
				Arity:          c.Int("arity"),
				SequenceLength: c.Int("sequence-length"),
				Log:            log,
			}
			if c.Bool("no-softmax") {
				off := false
				req.Softmax = &off
			}

			res, err := export.Export(c.Context, req)
			if err != nil {
				return err
			}
			log.WithField("package", res.PackagePath).Info("export complete")
			return nil
		},
	}
}

// batchManifest is the YAML schema accepted by `export --manifest`.
type batchManifest struct {
	Exports []struct {
		Model          string `yaml:"model"`
		Architecture   string `yaml:"architecture"`
		Task           string `yaml:"task"`
		Output         string `yaml:"output"`
		Arity          int    `yaml:"arity"`
		SequenceLength int    `yaml:"sequence_length"`
		Softmax        *bool  `yaml:"softmax"`
	} `yaml:"exports"`
}

func runBatch(c *cli.Context, log *logrus.Logger, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read batch manifest: %w", err)
	}
	var batch batchManifest
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return fmt.Errorf("parse batch manifest %s: %w", path, err)
	}
	if len(batch.Exports) == 0 {
		return fmt.Errorf("batch manifest %s lists no exports", path)
	}

	for i, entry := range batch.Exports {
		res, err := export.Export(c.Context, export.Request{
			ModelDir:       entry.Model,
			Architecture:   entry.Architecture,
			Task:           entry.Task,
			Output:         entry.Output,
			Arity:          entry.Arity,
			SequenceLength: entry.SequenceLength,
			Softmax:        entry.Softmax,
			Log:            log,
		})
		if err != nil {
			return fmt.Errorf("export %d (%s): %w", i+1, entry.Architecture, err)
		}
		log.WithField("package", res.PackagePath).Info("export complete")
	}
	return nil
}

func tasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "list supported architecture/task pairs",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "pairs", Usage: "list per-architecture pairs instead of task names"},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("pairs") {
				for _, pair := range export.SupportedPairs() {
					fmt.Printf("%-16s %s\n", pair[0], pair[1])
				}
				return nil
			}
			for _, name := range export.SupportedTasks() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "print the manifest of an exported package",
		ArgsUsage: "<package-dir>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one package directory")
			}
			m, err := export.ReadManifest(c.Args().First())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "compare package outputs against reference outputs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reference", Usage: "JSON file of reference outputs", Required: true},
			&cli.StringFlag{Name: "produced", Usage: "JSON file of package outputs", Required: true},
			&cli.Float64Flag{Name: "atol", Value: 1e-4, Usage: "absolute tolerance"},
		},
		Action: func(c *cli.Context) error {
			ref, err := readOutputs(c.String("reference"))
			if err != nil {
				return err
			}
			got, err := readOutputs(c.String("produced"))
			if err != nil {
				return err
			}

			report := validate.Compare(ref, got, c.Float64("atol"))
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			if !report.Pass {
				return fmt.Errorf("outputs differ beyond atol=%g", report.Atol)
			}
			return nil
		},
	}
}

func readOutputs(path string) (map[string][]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read outputs: %w", err)
	}
	var out map[string][]float32
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse outputs %s: %w", path, err)
	}
	return out, nil
}
