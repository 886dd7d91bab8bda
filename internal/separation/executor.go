package separation

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"stemdeck/internal/config"
	"stemdeck/internal/fileutil"
	"stemdeck/internal/jobs"
	"stemdeck/internal/ledger"
	"stemdeck/internal/logging"
	"stemdeck/internal/services"
	"stemdeck/internal/subprocess"
)

var percentPattern = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)%`)

// InputResolver finds the completed download an extraction consumes.
type InputResolver interface {
	LatestComplete(ctx context.Context, contentID string, kind jobs.Kind) (*ledger.GlobalRecord, error)
}

// Executor runs extraction jobs.
type Executor struct {
	cfg    *config.Config
	inputs InputResolver
	logger *slog.Logger
}

// NewExecutor builds an executor. inputs may be nil when every spec carries
// an explicit InputPath.
func NewExecutor(cfg *config.Config, inputs InputResolver, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{cfg: cfg, inputs: inputs, logger: logger}
}

// OutputDir returns the final stems directory for a content/model pair.
func (e *Executor) OutputDir(spec jobs.Spec) string {
	return filepath.Join(e.cfg.Paths.StemsDir, spec.ContentID, spec.VariantKey)
}

// WorkDir returns the scratch directory the engine writes into.
func (e *Executor) WorkDir(jobID string) string {
	return filepath.Join(e.cfg.Paths.StemsDir, ".work", jobID)
}

// Execute implements the extraction executor.
func (e *Executor) Execute(ctx context.Context, snap jobs.Snapshot, report jobs.ProgressFunc) (jobs.Result, error) {
	spec := snap.Spec
	input, err := e.resolveInput(ctx, spec)
	if err != nil {
		return jobs.Result{}, err
	}
	workDir := e.WorkDir(snap.ID)
	finalDir := e.OutputDir(spec)
	for _, dir := range []string{workDir, finalDir} {
		if err := os.RemoveAll(dir); err != nil {
			return jobs.Result{}, services.Wrap(services.ErrResource, "separation", "prepare", "remove previous output", err)
		}
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return jobs.Result{}, services.Wrap(services.ErrResource, "separation", "prepare", "create work directory", err)
	}
	defer os.RemoveAll(workDir)

	replacer := strings.NewReplacer("{input}", input, "{model}", spec.VariantKey, "{output}", workDir)
	args := make([]string, len(e.cfg.Extraction.Args))
	for i, arg := range e.cfg.Extraction.Args {
		args[i] = replacer.Replace(arg)
	}
	logging.WithContext(ctx, e.logger).Debug("starting separation engine",
		logging.String("binary", e.cfg.Extraction.Binary),
		logging.String("input", input),
		logging.String("model", spec.VariantKey),
	)

	err = subprocess.Run(ctx, subprocess.Options{
		Binary:    e.cfg.Extraction.Binary,
		Args:      args,
		Dir:       workDir,
		TailLines: e.cfg.Registry.TailLines,
	}, e.cfg.ExtractionTimeouts(spec.VariantKey).Grace, func(line string) {
		if report == nil {
			return
		}
		if pct, ok := ParsePercent(line); ok {
			report(pct, "separating")
		}
	})
	if err != nil {
		return jobs.Result{}, err
	}

	outputs, total, err := e.collect(workDir, finalDir)
	if err != nil {
		return jobs.Result{}, err
	}
	return jobs.Result{FilePath: finalDir, Outputs: outputs, Bytes: total}, nil
}

func (e *Executor) resolveInput(ctx context.Context, spec jobs.Spec) (string, error) {
	input := spec.InputPath
	if input == "" {
		if e.inputs == nil {
			return "", services.Wrap(services.ErrValidation, "separation", "resolve input", "no input path given", nil)
		}
		rec, err := e.inputs.LatestComplete(ctx, spec.ContentID, jobs.KindDownload)
		if err != nil {
			return "", services.Wrap(services.ErrLedger, "separation", "resolve input", "", err)
		}
		if rec == nil || rec.Payload.FilePath == "" {
			return "", services.Wrap(services.ErrValidation, "separation", "resolve input",
				fmt.Sprintf("no completed download for %s", spec.ContentID), nil)
		}
		input = rec.Payload.FilePath
	}
	info, err := os.Stat(input)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "separation", "resolve input", "input artifact missing", err)
	}
	if info.IsDir() {
		return "", services.Wrap(services.ErrValidation, "separation", "resolve input", "input artifact is a directory", nil)
	}
	return input, nil
}

// collect moves every audio file the engine produced into finalDir, keyed by
// stem name (file name without extension).
func (e *Executor) collect(workDir, finalDir string) (map[string]string, int64, error) {
	var found []string
	err := filepath.WalkDir(workDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && slices.Contains(e.cfg.Extraction.OutputExtensions, strings.ToLower(filepath.Ext(path))) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, 0, services.Wrap(services.ErrResource, "separation", "collect outputs", "", err)
	}
	if len(found) == 0 {
		return nil, 0, services.Wrap(services.ErrValidation, "separation", "collect outputs", "engine produced no audio outputs", nil)
	}
	slices.Sort(found)
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		return nil, 0, services.Wrap(services.ErrResource, "separation", "collect outputs", "create stems directory", err)
	}

	outputs := make(map[string]string, len(found))
	var total int64
	for _, src := range found {
		ext := filepath.Ext(src)
		stem := strings.TrimSuffix(filepath.Base(src), ext)
		name := stem
		for i := 2; outputs[name] != ""; i++ {
			name = stem + "_" + strconv.Itoa(i)
		}
		dst := filepath.Join(finalDir, name+strings.ToLower(ext))
		if err := fileutil.MoveFile(src, dst); err != nil {
			return nil, 0, services.Wrap(services.ErrResource, "separation", "collect outputs", "move "+filepath.Base(src), err)
		}
		info, err := os.Stat(dst)
		if err != nil {
			return nil, 0, services.Wrap(services.ErrResource, "separation", "collect outputs", "", err)
		}
		if info.Size() == 0 {
			return nil, 0, services.Wrap(services.ErrValidation, "separation", "collect outputs", name+" is empty", nil)
		}
		outputs[name] = dst
		total += info.Size()
	}
	return outputs, total, nil
}

// ParsePercent extracts the first percentage on a progress line.
func ParsePercent(line string) (float64, bool) {
	match := percentPattern.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil || value > 100 {
		return 0, false
	}
	return value, true
}
