package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/freshness-api/internal/config"
	"github.com/Brownie44l1/freshness-api/internal/inference"
)

var (
	rottenText   = color.New(color.FgRed, color.Bold).SprintFunc()
	freshText    = color.New(color.FgGreen, color.Bold).SprintFunc()
	degradedText = color.New(color.FgYellow).SprintFunc()
)

type classified struct {
	Path string `json:"path"`
	inference.Verdict
}

func (a *app) classifyCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "classify <image>...",
		Short: "Decide whether the produce in each image is fresh or rotten",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.engine(a.cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var results []classified
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return errors.Wrapf(err, "read %s", path)
				}
				if !asJSON {
					fmt.Fprintf(out, "%s: analyzing...\r", path)
				}
				v := engine.Analyze(cmd.Context(), data, nil)
				if asJSON {
					results = append(results, classified{Path: path, Verdict: v})
					continue
				}
				fmt.Fprintln(out, formatVerdict(path, v))
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&asJSON, "json", false, "print verdicts as JSON")
	f.String("classifier", "", "classifier kind (artifact or onnx)")
	f.StringP("model", "m", "", "classifier model path")
	f.String("metadata", "", "metadata JSON for an onnx classifier")
	a.bind(f.Lookup("classifier"), "classifier.kind")
	a.bind(f.Lookup("model"), "classifier.model_path")
	a.bind(f.Lookup("metadata"), "classifier.metadata_path")

	return cmd
}

func (a *app) engine(cfg config.Config) (*inference.Engine, error) {
	if err := cfg.ValidateServing(); err != nil {
		return nil, err
	}
	load, err := inference.LoaderFor(cfg.Classifier.Kind, cfg.ClassifierModelPath(), cfg.Classifier.MetadataPath)
	if err != nil {
		return nil, err
	}
	return inference.NewEngine(load, inference.WithLogger(a.logger)), nil
}

func formatVerdict(path string, v inference.Verdict) string {
	state := freshText("FRESH")
	if v.IsRotten {
		state = rottenText("ROTTEN")
	}
	line := fmt.Sprintf("%s: %s  %s (%.1f%%)", path, state, v.Label, v.Score*100)
	if v.Degraded {
		line += " " + degradedText("[classifier unavailable, verdict is a guess]")
	}
	return line
}
