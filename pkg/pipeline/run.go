package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"prmtopo/internal/models"
	"prmtopo/pkg/config"
	"prmtopo/pkg/minkowski"
	"prmtopo/pkg/prm"
	"prmtopo/pkg/stats"
	"prmtopo/pkg/volumeio"
)

// ErrNoConfigs is returned by RunBatch for a directory without subject configs
var ErrNoConfigs = errors.New("no subject configurations found")

// Runner processes subjects with a shared geometry oracle and logger. Stats
// rows of concurrently running subjects are appended one at a time.
type Runner struct {
	Oracle minkowski.Oracle
	Logger logrus.FieldLogger

	csvMu sync.Mutex
}

// NewRunner creates a runner using the cubical complex oracle
func NewRunner(logger logrus.FieldLogger) *Runner {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		logger = l
	}
	return &Runner{
		Oracle: minkowski.NewCubicalComplex(),
		Logger: logger,
	}
}

// preprocessOptions converts the preprocessing section of cfg
func preprocessOptions(cfg *config.Config) PreprocessOptions {
	return PreprocessOptions{
		DimOutsideValue: cfg.Preprocessing.DimOutsideValue,
		Orient:          cfg.Preprocessing.Orient,
		KernelSize:      cfg.Preprocessing.MedianKernelSize,
		ExcludeLower:    cfg.Preprocessing.ExcludeLowerThresh,
		ExcludeUpper:    cfg.Preprocessing.ExcludeUpperThresh,
	}
}

// classification runs the load, preprocess and classify stages. A configured
// PRM map takes precedence over the CT inputs. The returned background is the
// filtered expiratory volume, or nil for a PRM map input.
func (r *Runner) classification(cfg *config.Config, logger logrus.FieldLogger) (*prm.Classification, *models.Volume, error) {
	if cfg.HasPRMInput() {
		logger.WithField("stage", "load").Info("Loading PRM map")
		cls, err := LoadLabels(cfg.IO.PRMMap, cfg.IO.PRMMask)
		if err != nil {
			return nil, nil, err
		}
		return cls, nil, nil
	}

	logger.WithField("stage", "load").Info("Loading CT volumes")
	ct, err := LoadCT(cfg.IO.Expiratory, cfg.IO.InspiratoryRegistered, cfg.IO.Mask)
	if err != nil {
		return nil, nil, err
	}
	logger.WithFields(logrus.Fields{
		"stage": "load",
		"shape": fmt.Sprintf("%dx%dx%d", ct.Exp.Width, ct.Exp.Height, ct.Exp.Depth),
		"voxel": fmt.Sprintf("%.3gx%.3gx%.3g", ct.Exp.VoxelSize.X, ct.Exp.VoxelSize.Y, ct.Exp.VoxelSize.Z),
	}).Debug("Loaded CT volumes")

	logger.WithField("stage", "preprocess").Info("Filtering and excluding voxels")
	pre, err := Preprocess(ct, preprocessOptions(cfg))
	if err != nil {
		return nil, nil, err
	}

	classifier, err := cfg.Classifier()
	if err != nil {
		return nil, nil, err
	}
	logger.WithFields(logrus.Fields{
		"stage":  "classify",
		"exp":    classifier.Thresholds.Exp,
		"insp":   classifier.Thresholds.Insp,
		"policy": classifier.Policy.String(),
	}).Info("Classifying voxels")
	cls, err := Classify(pre, classifier)
	if err != nil {
		return nil, nil, err
	}
	return cls, pre.ExpFilt, nil
}

// Run processes one subject end to end and returns its stats row. Any stage
// error aborts the subject; nothing is persisted in that case.
func (r *Runner) Run(ctx context.Context, cfg *config.Config) (*stats.Record, error) {
	logger := r.Logger.WithField("subject", cfg.Subject.ID)
	start := time.Now()

	cls, background, err := r.classification(cfg, logger)
	if err != nil {
		if errors.Is(err, volumeio.ErrUnsupportedFormat) {
			logger.WithError(err).Warn("Input file format is unsupported, must be .nii or .nii.gz")
		}
		return nil, err
	}

	pct := cls.Percentages()
	fields := logrus.Fields{"stage": "classify", "valid": cls.Valid}
	for _, c := range prm.Classes() {
		fields[c.String()] = fmt.Sprintf("%.2f%%", pct[c])
	}
	logger.WithFields(fields).Info("Classified voxels")
	if cls.Valid == 0 {
		logger.Warn("Validity mask is empty, topology densities will be zero")
	}

	params := cfg.TopologyParams()
	logger.WithFields(logrus.Fields{
		"stage":    "topology",
		"local":    cfg.Topology.Local,
		"radius":   params.Radius,
		"stride":   params.Stride,
		"workers":  params.Workers,
		"measures": strings.Join(measureNames(), ","),
	}).Info("Computing topology")
	topo, err := Topology(ctx, r.Oracle, cls, params, cfg.Topology.Local)
	if err != nil {
		return nil, err
	}
	if topo.LocalSkipped != nil {
		logger.WithError(topo.LocalSkipped).Warn("Volume is smaller than the topology window, skipping local topology")
	}

	rec := Aggregate(cfg.Subject.ID, cls, topo)

	logger.WithField("stage", "persist").Info("Saving outputs")
	if err := SaveMaps(cfg, cls, topo, background, logger); err != nil {
		return nil, err
	}
	r.csvMu.Lock()
	err = SaveStats(cfg, &rec, logger)
	r.csvMu.Unlock()
	if err != nil {
		return nil, err
	}

	logger.WithField("elapsed", time.Since(start).Round(time.Millisecond).String()).Info("Subject completed")
	return &rec, nil
}

// BatchResult summarizes one batch run
type BatchResult struct {
	RunID     string
	Succeeded []string

	// Failed maps each failed config file to its error
	Failed map[string]error
}

// ListConfigs returns every *.yaml and *.yml file of dir in lexical order
func ListConfigs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// RunBatch processes every subject config of dir with at most concurrency
// subjects in flight. override, if non-nil, adjusts each loaded config. A
// failing subject is logged and recorded; the batch continues.
func (r *Runner) RunBatch(ctx context.Context, dir string, concurrency int, override func(*config.Config)) (*BatchResult, error) {
	paths, err := ListConfigs(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoConfigs)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	res := &BatchResult{
		RunID:  uuid.New().String(),
		Failed: make(map[string]error),
	}
	batchLogger := r.Logger.WithField("run", res.RunID)
	batchLogger.WithFields(logrus.Fields{"dir": dir, "subjects": len(paths)}).Info("Starting batch")

	sub := &Runner{Oracle: r.Oracle, Logger: batchLogger}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(concurrency)

	for _, path := range paths {
		path := path
		g.Go(func() error {
			fail := func(err error) {
				batchLogger.WithError(err).WithField("config", path).Error("Subject failed")
				mu.Lock()
				res.Failed[path] = err
				mu.Unlock()
			}
			if err := ctx.Err(); err != nil {
				fail(err)
				return nil
			}

			cfg, err := config.LoadConfig(path)
			if err != nil {
				fail(err)
				return nil
			}
			if override != nil {
				override(cfg)
			}
			if _, err := sub.Run(ctx, cfg); err != nil {
				fail(err)
				return nil
			}

			mu.Lock()
			res.Succeeded = append(res.Succeeded, cfg.Subject.ID)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.Succeeded)
	batchLogger.WithFields(logrus.Fields{
		"succeeded": len(res.Succeeded),
		"failed":    len(res.Failed),
	}).Info("Batch completed")
	return res, nil
}
