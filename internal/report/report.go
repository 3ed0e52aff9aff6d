// Package report turns a training history into summary numbers and
// learning-curve charts.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/wcharczuk/go-chart"

	"github.com/Brownie44l1/freshness-api/internal/train"
)

// Summary condenses a run's validation metrics.
type Summary struct {
	Epochs           int     `json:"epochs"`
	BestEpoch        int     `json:"best_epoch"`
	BestValAccuracy  float64 `json:"best_val_accuracy"`
	FinalValAccuracy float64 `json:"final_val_accuracy"`
	FinalValLoss     float64 `json:"final_val_loss"`
	MeanValAccuracy  float64 `json:"mean_val_accuracy"`
	StdValAccuracy   float64 `json:"std_val_accuracy"`
}

// Summarize computes a Summary; history must hold at least one epoch.
func Summarize(history *train.History) (Summary, error) {
	records := history.Records()
	if len(records) == 0 {
		return Summary{}, errors.New("empty history")
	}

	acc := make([]float64, len(records))
	best := records[0]
	for i, r := range records {
		acc[i] = r.ValAccuracy
		if r.ValAccuracy > best.ValAccuracy {
			best = r
		}
	}
	mean, err := stats.Mean(acc)
	if err != nil {
		return Summary{}, errors.Wrap(err, "mean accuracy")
	}
	std, err := stats.StandardDeviation(acc)
	if err != nil {
		return Summary{}, errors.Wrap(err, "accuracy deviation")
	}

	last := records[len(records)-1]
	return Summary{
		Epochs:           len(records),
		BestEpoch:        best.Epoch,
		BestValAccuracy:  best.ValAccuracy,
		FinalValAccuracy: last.ValAccuracy,
		FinalValLoss:     last.ValLoss,
		MeanValAccuracy:  mean,
		StdValAccuracy:   std,
	}, nil
}

// Curve selects the metric pair a chart plots.
type Curve int

const (
	Accuracy Curve = iota
	Loss
)

func (c Curve) String() string {
	if c == Loss {
		return "loss"
	}
	return "accuracy"
}

// Render draws the training and validation curve for c as a PNG.
func Render(history *train.History, c Curve, w io.Writer) error {
	records := history.Records()
	if len(records) == 0 {
		return errors.New("empty history")
	}

	epochs := make([]float64, len(records))
	trainY := make([]float64, len(records))
	valY := make([]float64, len(records))
	for i, r := range records {
		epochs[i] = float64(r.Epoch)
		if c == Loss {
			trainY[i], valY[i] = r.TrainLoss, r.ValLoss
		} else {
			trainY[i], valY[i] = r.TrainAccuracy, r.ValAccuracy
		}
	}

	// explicit ranges keep single-epoch and flat curves renderable
	yMax := 1.0
	if c == Loss {
		hi, _ := stats.Max(append(append([]float64{}, trainY...), valY...))
		if hi > 0 {
			yMax = hi * 1.1
		}
	}

	series := []chart.Series{
		chart.ContinuousSeries{
			Name:    "training " + c.String(),
			XValues: epochs,
			YValues: trainY,
			Style: chart.Style{
				Show:        true,
				StrokeColor: chart.ColorBlue,
			},
		},
		chart.ContinuousSeries{
			Name:    "validation " + c.String(),
			XValues: epochs,
			YValues: valY,
			Style: chart.Style{
				Show:        true,
				StrokeColor: chart.ColorRed,
			},
		},
	}

	graph := chart.Chart{
		Title:      fmt.Sprintf("Training and Validation %s", title(c)),
		TitleStyle: chart.StyleShow(),
		XAxis: chart.XAxis{
			Name:      "Epoch",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
			Range:     &chart.ContinuousRange{Min: 0, Max: epochs[len(epochs)-1]},
		},
		YAxis: chart.YAxis{
			Name:      title(c),
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
			Range:     &chart.ContinuousRange{Min: 0, Max: yMax},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{
		chart.LegendLeft(&graph),
	}

	if err := graph.Render(chart.PNG, w); err != nil {
		return errors.Wrapf(err, "render %s chart", c)
	}
	return nil
}

// RenderCurves writes accuracy.png and loss.png into dir and returns their
// paths.
func RenderCurves(history *train.History, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create report dir")
	}
	var paths []string
	for _, c := range []Curve{Accuracy, Loss} {
		path := filepath.Join(dir, c.String()+".png")
		f, err := os.Create(path)
		if err != nil {
			return nil, errors.Wrap(err, "create chart file")
		}
		err = Render(history, c, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func title(c Curve) string {
	if c == Loss {
		return "Loss"
	}
	return "Accuracy"
}
