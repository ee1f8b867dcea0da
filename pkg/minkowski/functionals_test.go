package minkowski

import (
	"errors"
	"math"
	"testing"

	"prmtopo/internal/models"
)

var unit = models.Spacing{X: 1, Y: 1, Z: 1}

func volumeWith(width, height, depth int, on ...[3]int) *models.Volume {
	vol := models.NewVolume(width, height, depth, unit)
	for _, p := range on {
		vol.Set(p[0], p[1], p[2], 1)
	}
	return vol
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Abs(b))
}

func checkFunctionals(t *testing.T, got, want Functionals) {
	t.Helper()
	for _, m := range Measures() {
		if !almostEqual(got[m], want[m]) {
			t.Errorf("%s: expected %g, got %g", m, want[m], got[m])
		}
	}
}

// TestBoxes verifies the closed-box values V=abc, S=2(ab+bc+ca), M=π(a+b+c), χ=1
func TestBoxes(t *testing.T) {
	oracle := NewCubicalComplex()

	tests := []struct {
		name    string
		vol     *models.Volume
		spacing models.Spacing
		want    Functionals
	}{
		{
			name:    "single voxel",
			vol:     volumeWith(1, 1, 1, [3]int{0, 0, 0}),
			spacing: unit,
			want:    Functionals{1, 6, 3 * math.Pi, 1},
		},
		{
			name:    "bar 3x1x1",
			vol:     volumeWith(3, 1, 1, [3]int{0, 0, 0}, [3]int{1, 0, 0}, [3]int{2, 0, 0}),
			spacing: unit,
			want:    Functionals{3, 14, 5 * math.Pi, 1},
		},
		{
			name:    "single voxel spacing 2",
			vol:     volumeWith(1, 1, 1, [3]int{0, 0, 0}),
			spacing: models.Spacing{X: 2, Y: 2, Z: 2},
			want:    Functionals{8, 24, 6 * math.Pi, 1},
		},
		{
			name:    "anisotropic voxel",
			vol:     volumeWith(1, 1, 1, [3]int{0, 0, 0}),
			spacing: models.Spacing{X: 1, Y: 2, Z: 3},
			want:    Functionals{6, 22, 6 * math.Pi, 1},
		},
		{
			name:    "voxel away from the border",
			vol:     volumeWith(3, 3, 3, [3]int{1, 1, 1}),
			spacing: unit,
			want:    Functionals{1, 6, 3 * math.Pi, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := oracle.Functionals(tt.vol, tt.spacing)
			if err != nil {
				t.Fatalf("Functionals failed: %v", err)
			}
			checkFunctionals(t, got, tt.want)
		})
	}
}

// TestEulerCharacteristic verifies topology of simple shapes
func TestEulerCharacteristic(t *testing.T) {
	oracle := NewCubicalComplex()

	ring := models.NewVolume(3, 3, 1, unit)
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			if x != 1 || y != 1 {
				ring.Set(x, y, 0, 1)
			}
		}
	}

	shell := models.NewVolume(3, 3, 3, unit)
	for i := range shell.Data {
		shell.Data[i] = 1
	}
	shell.Set(1, 1, 1, 0)

	tests := []struct {
		name string
		vol  *models.Volume
		want float64
	}{
		{"empty", models.NewVolume(2, 2, 2, unit), 0},
		{"two disjoint voxels", volumeWith(3, 1, 1, [3]int{0, 0, 0}, [3]int{2, 0, 0}), 2},
		{"voxels sharing a vertex", volumeWith(2, 2, 2, [3]int{0, 0, 0}, [3]int{1, 1, 1}), 1},
		{"voxels sharing an edge", volumeWith(2, 2, 1, [3]int{0, 0, 0}, [3]int{1, 1, 0}), 1},
		{"ring", ring, 0},
		{"hollow shell", shell, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := oracle.Functionals(tt.vol, unit)
			if err != nil {
				t.Fatalf("Functionals failed: %v", err)
			}
			if !almostEqual(got[Euler], tt.want) {
				t.Errorf("Expected Euler characteristic %g, got %g", tt.want, got[Euler])
			}
		})
	}
}

// TestAdditivity verifies that disjoint components add up
func TestAdditivity(t *testing.T) {
	oracle := NewCubicalComplex()

	one, err := oracle.Functionals(volumeWith(1, 1, 1, [3]int{0, 0, 0}), unit)
	if err != nil {
		t.Fatalf("Functionals failed: %v", err)
	}
	two, err := oracle.Functionals(volumeWith(3, 1, 1, [3]int{0, 0, 0}, [3]int{2, 0, 0}), unit)
	if err != nil {
		t.Fatalf("Functionals failed: %v", err)
	}
	checkFunctionals(t, two, one.times(2))
}

// TestSpacingDomain verifies that spacing below one unit is rejected
func TestSpacingDomain(t *testing.T) {
	oracle := NewCubicalComplex()
	vol := volumeWith(1, 1, 1, [3]int{0, 0, 0})

	_, err := oracle.Functionals(vol, models.Spacing{X: 1, Y: 0.5, Z: 1})
	if !errors.Is(err, ErrSpacingDomain) {
		t.Errorf("Expected ErrSpacingDomain, got %v", err)
	}
}

// TestMeasureNames verifies the field names used in the stats table
func TestMeasureNames(t *testing.T) {
	want := []string{"vol", "surf_area", "curv", "euler"}
	for i, m := range Measures() {
		if m.String() != want[i] {
			t.Errorf("Expected measure %d to be %q, got %q", i, want[i], m.String())
		}
	}
}

func BenchmarkFunctionals(b *testing.B) {
	vol := models.NewVolume(64, 64, 64, unit)
	for i := range vol.Data {
		if i%3 != 0 {
			vol.Data[i] = 1
		}
	}
	oracle := NewCubicalComplex()
	spacing := unit.Scale(10)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := oracle.Functionals(vol, spacing); err != nil {
			b.Fatal(err)
		}
	}
}
