package fingerprint

import (
	"testing"

	"github.com/bobmcallan/sheetbuilder/internal/models"
)

func TestCompute_Deterministic(t *testing.T) {
	fp := models.NewFingerprint("report.pdf", 1024, 180, "Rev")
	d1 := Compute(fp)
	d2 := Compute(fp)
	if d1 != d2 {
		t.Errorf("Compute() not deterministic: %s != %s", d1, d2)
	}
	if len(d1) != 64 {
		t.Errorf("expected 64 hex chars (32-byte digest), got %d", len(d1))
	}
}

func TestCompute_DistinctForDifferentFields(t *testing.T) {
	base := models.NewFingerprint("report.pdf", 1024, 0, "Norm")
	variants := []models.Fingerprint{
		models.NewFingerprint("other.pdf", 1024, 0, "Norm"),
		models.NewFingerprint("report.pdf", 2048, 0, "Norm"),
		models.NewFingerprint("report.pdf", 1024, 180, "Norm"),
		models.NewFingerprint("report.pdf", 1024, 0, "Rev"),
	}
	baseDigest := Compute(base)
	for _, v := range variants {
		if Compute(v) == baseDigest {
			t.Errorf("expected distinct digest for variant %+v", v)
		}
	}
}

func TestCompute_NormalizationMakesEquivalentUploadsCollide(t *testing.T) {
	a := models.NewFingerprint("  report.pdf  ", 1024, 180, "rev")
	b := models.NewFingerprint("report.pdf", 1024, 180, "REV")
	if Compute(a) != Compute(b) {
		t.Error("expected normalized-equivalent fingerprints to collide")
	}
}
