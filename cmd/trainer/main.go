// Command trainer trains a protein motion pair classifier from a labeled
// dataset file, with early stopping on the validation loss, and writes the
// best model plus metric plots. It can also evaluate an ensemble of previously
// trained models.
package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/protml/protmotion/internal/dataset"
	"github.com/protml/protmotion/internal/ensemble"
	"github.com/protml/protmotion/internal/history"
	"github.com/protml/protmotion/internal/models"
	"github.com/protml/protmotion/internal/parameters"
	"github.com/protml/protmotion/internal/training"
)

var (
	flagExperiment = flag.String("experiment", "", "Path to the YAML experiment file describing architecture and schedule.")
	flagData       = flag.String("data", "", "Path to the labeled dataset file (see dataset.Save).")
	flagModelDir   = flag.String("model_dir", "", "Directory where the trained model (config + weights) is written.")
	flagPlotsDir   = flag.String("plots", "", "If set, metric plots (SVG) are written to this directory.")
	flagHyper      = flag.String("hyperparams", "",
		"Optimization hyperparameters as \"key=value,...\", e.g. \"learning_rate=0.001,optimizer=adam\". "+
			"Overrides the experiment file.")
	flagSeed = flag.Int64("seed", 42, "Seed for the dataset shuffle.")

	flagEnsembleDirs = flag.String("ensemble_dirs", "",
		"Comma-separated model directories: instead of training, evaluate their ensemble on the validation split.")
	flagEnsembleMode = flag.String("ensemble_mode", "softmax_mean",
		"Ensemble aggregation: softmax_mean or voting.")
	flagEnsembleWeights = flag.String("ensemble_weights", "",
		"Optional comma-separated per-member weights, uniform if empty.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagData == "" {
		klog.Exit("-data is required")
	}

	exp := must.M1(LoadExperiment(requireFlag(*flagExperiment, "-experiment")))
	train, validation := loadSplits(exp)

	if *flagEnsembleDirs != "" {
		evaluateEnsemble(validation)
		return
	}
	trainModel(exp, train, validation)
}

func requireFlag(value, name string) string {
	if value == "" {
		klog.Exitf("%s is required", name)
	}
	return value
}

func loadSplits(exp *Experiment) (train, validation *dataset.InMemory) {
	pool := must.M1(dataset.Load(*flagData, 0))
	pool.Shuffle(rand.New(rand.NewSource(*flagSeed)))
	train, validation = pool.Split(exp.ValidationFraction)
	if validation.Len() == 0 {
		klog.Exitf("Validation split is empty: %d samples with validation_fraction=%g",
			pool.Len(), exp.ValidationFraction)
	}
	klog.Infof("Loaded %d samples from %s: %d train, %d validation",
		pool.Len(), *flagData, train.Len(), validation.Len())
	return
}

func trainModel(exp *Experiment, train, validation *dataset.InMemory) {
	modelDir := requireFlag(*flagModelDir, "-model_dir")
	cfg := must.M1(exp.ModelConfig())
	encoder := must.M1(exp.Encoder())

	hyperString := exp.Hyperparameters
	if *flagHyper != "" {
		hyperString = *flagHyper
	}
	hyperparams := parameters.NewFromConfigString(hyperString)
	classifier := must.M1(models.NewClassifier(cfg, encoder, hyperparams))

	// Best weights are snapshotted in memory for the end-of-training restore
	// and persisted to disk on every improvement.
	memory := training.NewMemorySink(classifier.Context())
	sink := training.NewSink(
		func() error {
			if err := memory.Save(); err != nil {
				return err
			}
			return classifier.Save(modelDir)
		},
		memory.Restore,
	).WithTarget(modelDir)

	result := must.M1(training.Loop(classifier, train, validation, training.Config{
		Epochs:   exp.Epochs,
		Patience: exp.Patience,
		TopK:     exp.TopK,
		Sink:     sink,
	}))
	// The in-memory restore rolled the context back to the best weights; the
	// newest disk checkpoint already holds them.

	if *flagPlotsDir != "" {
		writePlots(result.History)
	}
	printReport(exp, result)
}

func writePlots(hist *history.History) {
	plot := func(file, title string, names []string, best string, kind history.BestKind) {
		path := filepath.Join(*flagPlotsDir, file)
		must.M(hist.PlotSVG(path, title, names, best, kind))
		klog.V(1).Infof("Wrote %s", path)
	}
	plot("loss.svg", "Loss",
		[]string{training.SeriesTrainLoss, training.SeriesValidationLoss},
		training.SeriesValidationLoss, history.BestMin)
	plot("prec_rec_f1.svg", "Precision / Recall / F1",
		[]string{training.SeriesPrecision, training.SeriesRecall, training.SeriesF1},
		training.SeriesF1, history.BestMax)
	plot("accuracy.svg", "Accuracy",
		[]string{training.SeriesAccuracy},
		training.SeriesAccuracy, history.BestMax)
	plot("topk_accuracy.svg", "Top-K Accuracy",
		[]string{training.SeriesTopKAccuracy},
		training.SeriesTopKAccuracy, history.BestMax)
}

var (
	reportBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 2)
	reportTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	reportDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func printReport(exp *Experiment, result *training.Result) {
	stopped := "completed all epochs"
	if result.StoppedEarly {
		stopped = "stopped early"
	}
	lines := []string{
		reportTitle.Render("Training finished"),
		reportDim.Render(strings.Join(exp.Summary(), "  ")),
		fmt.Sprintf("epochs:        %d (%s)", result.EpochsRun, stopped),
		fmt.Sprintf("best val loss: %.4f", result.BestValidationLoss),
		fmt.Sprintf("accuracy:      %.3f (top-%d: %.3f)", result.Final.Accuracy, exp.TopK, result.Final.TopKAccuracy),
		fmt.Sprintf("precision:     %.3f  recall: %.3f  f1: %.3f",
			result.Final.Precision, result.Final.Recall, result.Final.F1),
	}
	fmt.Println(reportBox.Render(strings.Join(lines, "\n")))
}

func evaluateEnsemble(validation *dataset.InMemory) {
	dirs := strings.Split(*flagEnsembleDirs, ",")
	members := make([]ensemble.Member, 0, len(dirs))
	for _, dir := range dirs {
		classifier := must.M1(models.Load(strings.TrimSpace(dir), models.MLPEncoderFactory))
		members = append(members, classifier)
	}
	mode := must.M1(ensemble.ParseMode(*flagEnsembleMode))
	var weights []float64
	if *flagEnsembleWeights != "" {
		for _, part := range strings.Split(*flagEnsembleWeights, ",") {
			weights = append(weights, must.M1(strconv.ParseFloat(strings.TrimSpace(part), 64)))
		}
	}
	e := must.M1(ensemble.New(members, weights, mode))

	var hits, total int
	must.M(validation.Reset())
	for {
		sample, err := validation.Next()
		if err == io.EOF {
			break
		}
		must.M(err)
		_, classes, err := e.Predict(sample.Before, sample.After)
		must.M(err)
		for ii, label := range sample.Labels {
			if classes[ii] == label {
				hits++
			}
			total++
		}
	}
	accuracy := float64(hits) / float64(total)
	fmt.Println(reportBox.Render(strings.Join([]string{
		reportTitle.Render("Ensemble evaluation"),
		fmt.Sprintf("members:  %d (%s)", e.NumMembers(), mode),
		fmt.Sprintf("accuracy: %.3f over %d pairs", accuracy, total),
	}, "\n")))
}
