package pipeline

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"prmtopo/internal/models"
	"prmtopo/pkg/config"
	"prmtopo/pkg/minkowski"
	"prmtopo/pkg/prm"
	"prmtopo/pkg/stats"
	"prmtopo/pkg/topology"
	"prmtopo/pkg/volumeio"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// syntheticCT builds a lung-like cube with three slabs along x: normal,
// functional small airways disease and emphysema.
func syntheticCT(n int) *CtVolumes {
	spacing := models.Spacing{X: 0.8, Y: 0.8, Z: 1.2}
	ct := &CtVolumes{
		Exp:  models.NewVolume(n, n, n, spacing),
		Insp: models.NewVolume(n, n, n, spacing),
		Mask: models.NewVolume(n, n, n, spacing),
	}
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				exp, insp := -800.0, -900.0
				switch {
				case x >= 2*n/3:
					exp, insp = -900, -990
				case x >= n/3:
					exp, insp = -900, -900
				}
				ct.Exp.Set(x, y, z, exp)
				ct.Insp.Set(x, y, z, insp)
				if x >= 2 && y >= 2 && z >= 2 && x < n-2 && y < n-2 && z < n-2 {
					ct.Mask.Set(x, y, z, 1)
				}
			}
		}
	}
	return ct
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Subject.ID = "000007"
	cfg.IO.OutDir = t.TempDir()
	cfg.IO.PRMMap = "unused.nii.gz"
	cfg.Topology.WindowRadius = 4
	cfg.Topology.GridStride = 4
	cfg.Topology.NumWorkers = 2
	cfg.Output.SaveSliceSequence = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid test config: %v", err)
	}
	return cfg
}

// TestPreprocessAndClassify verifies the stage order and partition
func TestPreprocessAndClassify(t *testing.T) {
	ct := syntheticCT(24)

	pre, err := Preprocess(ct, DefaultPreprocessOptions())
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	if pre.Mask.CountPositive() > ct.Mask.CountPositive() {
		t.Error("Exclusion widened the mask")
	}
	// Slices are filtered across y and z only, so a mask corner in that
	// plane sees mostly dimmed voxels and leaves the band.
	if pre.Mask.At(12, 2, 2) != 0 {
		t.Error("Expected mask corner to be excluded")
	}
	if pre.Mask.At(12, 2, 12) != 1 {
		t.Error("Expected mask edge to stay valid")
	}
	if ct.Exp.At(0, 0, 0) != -800 {
		t.Error("Preprocess modified its input")
	}

	cls, err := Classify(pre, prm.NewClassifier(prm.DefaultThresholds(), prm.StrictAbove))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if cls.Valid != pre.Mask.CountPositive() {
		t.Errorf("Expected %d valid voxels, got %d", pre.Mask.CountPositive(), cls.Valid)
	}
	for _, c := range []prm.Class{prm.Norm, prm.FSAD, prm.Emph} {
		if cls.Counts[c] == 0 {
			t.Errorf("Expected %s voxels", c)
		}
	}
	if cls.Counts[prm.EmptyingEmph] != 0 {
		t.Errorf("Expected no emptying emphysema, got %d", cls.Counts[prm.EmptyingEmph])
	}
	if got := int(cls.Labels.At(12, 12, 12)); got != prm.FSAD.Code() {
		t.Errorf("Expected centre to be fSAD, got code %d", got)
	}

	pct := cls.Percentages()
	sum := 0.0
	for _, p := range pct {
		sum += p
	}
	if math.Abs(sum-100) > 1e-9 {
		t.Errorf("Expected percentages to sum to 100, got %g", sum)
	}
}

// TestPreprocessOrient verifies that orientation keeps the volumes aligned
func TestPreprocessOrient(t *testing.T) {
	ct := syntheticCT(12)
	opts := DefaultPreprocessOptions()
	opts.Orient = true

	pre, err := Preprocess(ct, opts)
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	if pre.ExpFilt.VoxelSize.X != 1.2 || pre.Mask.VoxelSize.Z != 0.8 {
		t.Errorf("Expected permuted spacing, got %v", pre.ExpFilt.VoxelSize)
	}
	if err := models.CheckShapes(pre.ExpFilt, pre.InspFilt, pre.Mask); err != nil {
		t.Errorf("Oriented volumes differ in shape: %v", err)
	}
}

// TestTopologyBranches verifies the global and optional local branches
func TestTopologyBranches(t *testing.T) {
	ct := syntheticCT(24)
	pre, err := Preprocess(ct, DefaultPreprocessOptions())
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	cls, err := Classify(pre, prm.NewClassifier(prm.DefaultThresholds(), prm.StrictAbove))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	p := topology.DefaultParams()
	p.Radius = 4
	p.Stride = 4
	p.Workers = 3
	oracle := minkowski.NewCubicalComplex()

	globalOnly, err := Topology(context.Background(), oracle, cls, p, false)
	if err != nil {
		t.Fatalf("Topology failed: %v", err)
	}
	if globalOnly.HasLocal() || globalOnly.LocalMeans != nil {
		t.Error("Expected no local results")
	}

	full, err := Topology(context.Background(), oracle, cls, p, true)
	if err != nil {
		t.Fatalf("Topology failed: %v", err)
	}
	if full.Global != globalOnly.Global {
		t.Error("Global densities depend on the local branch")
	}
	if !full.HasLocal() {
		t.Fatal("Expected local results")
	}

	for _, c := range prm.Classes() {
		frac := float64(cls.Counts[c]) / float64(cls.Valid)
		if got := full.Global[c][minkowski.Volume]; math.Abs(got-frac) > 1e-9 {
			t.Errorf("%s: expected volume density %g, got %g", c, frac, got)
		}
		for m, vol := range full.LocalMaps[c] {
			if vol.Shape() != cls.Mask.Shape() {
				t.Fatalf("%s %s: unexpected map shape %v", c, minkowski.Measure(m), vol.Shape())
			}
			for i, v := range vol.Data {
				if cls.Mask.Data[i] == 0 && v != 0 {
					t.Fatalf("%s %s: non-zero value outside the mask", c, minkowski.Measure(m))
				}
			}
		}
	}
	if full.LocalMeans[prm.EmptyingEmph] != (topology.Densities{}) {
		t.Errorf("Expected zero local means for an absent class, got %v", full.LocalMeans[prm.EmptyingEmph])
	}

	rec := Aggregate("000007", cls, full)
	if _, ok := rec.Local(prm.Norm); !ok {
		t.Error("Expected local values in the record")
	}
	if rec.Global(prm.Emph) != full.Global[prm.Emph] {
		t.Error("Record does not carry the computed global densities")
	}
}

// TestTopologyCancelled verifies that a cancelled context stops the branches
func TestTopologyCancelled(t *testing.T) {
	ct := syntheticCT(12)
	pre, err := Preprocess(ct, DefaultPreprocessOptions())
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	cls, err := Classify(pre, prm.NewClassifier(prm.DefaultThresholds(), prm.StrictAbove))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Topology(ctx, minkowski.NewCubicalComplex(), cls, topology.DefaultParams(), false); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

// uniformCT builds an n^3 subject whose voxels all carry the same HU pair
func uniformCT(n int, exp, insp, mask float64) *Preprocessed {
	unitSpacing := models.Spacing{X: 1, Y: 1, Z: 1}
	pre := &Preprocessed{
		ExpFilt:  models.NewVolume(n, n, n, unitSpacing),
		InspFilt: models.NewVolume(n, n, n, unitSpacing),
		Mask:     models.NewVolume(n, n, n, unitSpacing),
	}
	for i := range pre.Mask.Data {
		pre.ExpFilt.Data[i] = exp
		pre.InspFilt.Data[i] = insp
		pre.Mask.Data[i] = mask
	}
	return pre
}

// TestSmallCubeAllFSAD runs a 3x3x3 fSAD cube through classification and
// global topology
func TestSmallCubeAllFSAD(t *testing.T) {
	cls, err := Classify(uniformCT(3, -900, -900, 1), prm.NewClassifier(prm.DefaultThresholds(), prm.StrictAbove))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	pct := cls.Percentages()
	for _, c := range prm.Classes() {
		want := 0.0
		if c == prm.FSAD {
			want = 100
		}
		if math.Abs(pct[c]-want) > 1e-9 {
			t.Errorf("Expected %g%% %s, got %g", want, c, pct[c])
		}
	}

	topo, err := Topology(context.Background(), minkowski.NewCubicalComplex(), cls, topology.DefaultParams(), false)
	if err != nil {
		t.Fatalf("Topology failed: %v", err)
	}
	want := topology.Densities{1, 2, math.Pi / 3, 1.0 / 27}
	for m, w := range want {
		if got := topo.Global[prm.FSAD][m]; math.Abs(got-w) > 1e-9 {
			t.Errorf("fSAD %s: expected %g, got %g", minkowski.Measure(m), w, got)
		}
	}
	for _, c := range []prm.Class{prm.Norm, prm.Emph, prm.EmptyingEmph} {
		if topo.Global[c] != (topology.Densities{}) {
			t.Errorf("Expected zero densities for %s, got %v", c, topo.Global[c])
		}
	}
}

// TestEmptyMaskSubject verifies that a subject without valid voxels yields
// zero percentages and zero densities instead of an error
func TestEmptyMaskSubject(t *testing.T) {
	cls, err := Classify(uniformCT(5, -900, -1000, 0), prm.NewClassifier(prm.DefaultThresholds(), prm.StrictAbove))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if cls.Valid != 0 || cls.Percentages() != ([prm.NumClasses]float64{}) {
		t.Errorf("Expected no valid voxels and zero percentages, got %d and %v", cls.Valid, cls.Percentages())
	}

	topo, err := Topology(context.Background(), minkowski.NewCubicalComplex(), cls, topology.DefaultParams(), false)
	if err != nil {
		t.Fatalf("Topology failed: %v", err)
	}
	for _, c := range prm.Classes() {
		if topo.Global[c] != (topology.Densities{}) {
			t.Errorf("Expected zero densities for %s, got %v", c, topo.Global[c])
		}
	}
	rec := Aggregate("empty", cls, topo)
	if rec.Percent(prm.Norm) != 0 || rec.Global(prm.Emph) != (topology.Densities{}) {
		t.Error("Expected an all-zero record")
	}
}

// TestTopologyWindowTooLarge verifies that a volume smaller than the window
// keeps its global densities and only loses the local branch
func TestTopologyWindowTooLarge(t *testing.T) {
	cls, err := Classify(uniformCT(6, -800, -900, 1), prm.NewClassifier(prm.DefaultThresholds(), prm.StrictAbove))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	p := topology.DefaultParams()
	p.Radius = 4
	topo, err := Topology(context.Background(), minkowski.NewCubicalComplex(), cls, p, true)
	if err != nil {
		t.Fatalf("Topology failed: %v", err)
	}
	if !errors.Is(topo.LocalSkipped, topology.ErrWindowTooLarge) {
		t.Errorf("Expected the local branch to be skipped, got %v", topo.LocalSkipped)
	}
	if topo.HasLocal() || topo.LocalMeans != nil {
		t.Error("Expected no local results")
	}
	if got := topo.Global[prm.Norm][minkowski.Volume]; math.Abs(got-1) > 1e-9 {
		t.Errorf("Expected norm volume density 1, got %g", got)
	}
}

// TestPersist verifies every output of one subject
func TestPersist(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end pipeline test in short mode")
	}

	cfg := testConfig(t)
	ct := syntheticCT(24)
	pre, err := Preprocess(ct, DefaultPreprocessOptions())
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	classifier, err := cfg.Classifier()
	if err != nil {
		t.Fatalf("Classifier failed: %v", err)
	}
	cls, err := Classify(pre, classifier)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	topo, err := Topology(context.Background(), minkowski.NewCubicalComplex(), cls, cfg.TopologyParams(), true)
	if err != nil {
		t.Fatalf("Topology failed: %v", err)
	}
	rec := Aggregate(cfg.Subject.ID, cls, topo)

	if err := Persist(cfg, cls, topo, &rec, pre.ExpFilt, quietLogger()); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	outDir, id := cfg.IO.OutDir, cfg.Subject.ID
	paths := []string{CombinedMapPath(outDir, id), ColorSlicePath(outDir, id), cfg.StatsPath()}
	for _, c := range prm.Classes() {
		paths = append(paths, ClassMapPath(outDir, id, c), LocalMapPath(outDir, id, c))
	}
	paths = append(paths, filepath.Join(outDir, "prm_all_color_"+id, "slice_y_000.png"))
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Expected output %s: %v", path, err)
		}
	}

	// A second subject appends to the same table.
	rec.SubjectID = "000008"
	cfg.Output.SavePNG = false
	cfg.Output.SaveNifti = false
	if err := Persist(cfg, cls, topo, &rec, nil, quietLogger()); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	data, err := os.ReadFile(cfg.StatsPath())
	if err != nil {
		t.Fatalf("Failed to read stats: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "subject_id,") {
		t.Errorf("Expected header and two rows, got %d lines", len(lines))
	}
}

// TestRunUnsupportedFormat verifies that a bad input aborts the subject
func TestRunUnsupportedFormat(t *testing.T) {
	cfg := testConfig(t)
	cfg.IO.PRMMap = ""
	cfg.IO.Expiratory = "exp.mha"
	cfg.IO.InspiratoryRegistered = "insp.mha"
	cfg.IO.Mask = "mask.mha"

	_, err := NewRunner(quietLogger()).Run(context.Background(), cfg)
	if !errors.Is(err, volumeio.ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := os.Stat(cfg.StatsPath()); !os.IsNotExist(err) {
		t.Error("Expected no stats for a failed subject")
	}
}

// TestRunWritesMapsOutsideStatsLock verifies that a subject saves its maps
// while another subject holds the stats table, and that a volume smaller
// than the window still produces a stats row
func TestRunWritesMapsOutsideStatsLock(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.SaveSliceSequence = false
	cfg.IO.PRMMap = filepath.Join(t.TempDir(), "labels.nii.gz")
	labels := models.NewVolume(6, 6, 6, models.Spacing{X: 1, Y: 1, Z: 1})
	for i := range labels.Data {
		labels.Data[i] = float64(prm.Norm.Code())
	}
	if err := volumeio.Write(cfg.IO.PRMMap, labels); err != nil {
		t.Fatalf("Failed to write labels: %v", err)
	}

	r := NewRunner(quietLogger())
	r.csvMu.Lock()
	type result struct {
		rec *stats.Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := r.Run(context.Background(), cfg)
		done <- result{rec, err}
	}()

	combined := CombinedMapPath(cfg.IO.OutDir, cfg.Subject.ID)
	deadline := time.Now().Add(30 * time.Second)
	for {
		if _, err := os.Stat(ColorSlicePath(cfg.IO.OutDir, cfg.Subject.ID)); err == nil {
			break
		}
		select {
		case res := <-done:
			r.csvMu.Unlock()
			t.Fatalf("Run returned while the stats table was locked: %v", res.err)
		default:
		}
		if time.Now().After(deadline) {
			r.csvMu.Unlock()
			t.Fatal("Maps were not written while the stats table was locked")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(combined); err != nil {
		t.Errorf("Expected combined map before the stats row: %v", err)
	}
	if _, err := os.Stat(cfg.StatsPath()); !os.IsNotExist(err) {
		t.Error("Expected no stats row while the table is locked")
	}
	r.csvMu.Unlock()

	res := <-done
	if res.err != nil {
		t.Fatalf("Run failed: %v", res.err)
	}
	if _, ok := res.rec.Local(prm.Norm); ok {
		t.Error("Expected no local values for a volume smaller than the window")
	}
	if math.Abs(res.rec.Percent(prm.Norm)-100) > 1e-9 {
		t.Errorf("Expected 100%% norm, got %g", res.rec.Percent(prm.Norm))
	}
	if _, err := os.Stat(cfg.StatsPath()); err != nil {
		t.Errorf("Expected stats row after the lock was released: %v", err)
	}
}

// TestRunBatchContinues verifies that failing subjects do not stop the batch
func TestRunBatchContinues(t *testing.T) {
	dir := t.TempDir()
	outDir := t.TempDir()

	for i, name := range []string{"a.yaml", "b.yml"} {
		cfg := config.DefaultConfig()
		cfg.Subject.ID = name
		cfg.IO.OutDir = outDir
		cfg.IO.PRMMap = filepath.Join(dir, "missing.nii.gz")
		if i == 1 {
			cfg.IO.PRMMap = filepath.Join(dir, "labels.raw")
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			t.Fatalf("Failed to marshal config: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			t.Fatalf("Failed to write config: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("subject: ["), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	var overridden atomic.Int32
	res, err := NewRunner(quietLogger()).RunBatch(context.Background(), dir, 2, func(cfg *config.Config) {
		cfg.Topology.Local = false
		overridden.Add(1)
	})
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}
	if res.RunID == "" {
		t.Error("Expected a run id")
	}
	if len(res.Failed) != 3 || len(res.Succeeded) != 0 {
		t.Errorf("Expected 3 failures and no successes, got %d and %d", len(res.Failed), len(res.Succeeded))
	}
	if !errors.Is(res.Failed[filepath.Join(dir, "b.yml")], volumeio.ErrUnsupportedFormat) {
		t.Errorf("Expected unsupported format for b.yml, got %v", res.Failed[filepath.Join(dir, "b.yml")])
	}
	if n := overridden.Load(); n != 2 {
		t.Errorf("Expected override for the 2 loadable configs, got %d", n)
	}

	if _, err := NewRunner(quietLogger()).RunBatch(context.Background(), t.TempDir(), 1, nil); !errors.Is(err, ErrNoConfigs) {
		t.Errorf("Expected ErrNoConfigs, got %v", err)
	}
}

// TestListConfigs verifies config discovery order
func TestListConfigs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yml", "a.yaml", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatalf("Failed to write file: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "d.yaml"), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	paths, err := ListConfigs(dir)
	if err != nil {
		t.Fatalf("ListConfigs failed: %v", err)
	}
	if len(paths) != 2 || filepath.Base(paths[0]) != "a.yaml" || filepath.Base(paths[1]) != "b.yml" {
		t.Errorf("Unexpected configs %v", paths)
	}
}
