package fingerprint_test

import (
	"strings"
	"testing"

	"github.com/hazyhaar/faultline/fingerprint"
)

func TestFingerprintStableAcrossCalls(t *testing.T) {
	frames := []fingerprint.Frame{
		{Module: "m", Function: "f", InApp: true},
		{Module: "m2", Function: "f2", InApp: true},
	}
	r1 := fingerprint.Fingerprint(frames, "E")
	r2 := fingerprint.Fingerprint(frames, "E")
	if r1.FingerprintHash != r2.FingerprintHash {
		t.Fatalf("fingerprint not stable: %s != %s", r1.FingerprintHash, r2.FingerprintHash)
	}
}

func TestFingerprintSameFramesSameType(t *testing.T) {
	framesA := []fingerprint.Frame{{Module: "m", Function: "f", InApp: true}}
	framesB := []fingerprint.Frame{{Module: "m", Function: "f", InApp: true}}

	rA := fingerprint.Fingerprint(framesA, "E")
	rB := fingerprint.Fingerprint(framesB, "E")
	if rA.FingerprintHash != rB.FingerprintHash {
		t.Fatal("identical in-app frames and type must produce identical fingerprints")
	}
}

func TestFingerprintFallsBackWhenNoInApp(t *testing.T) {
	frames := []fingerprint.Frame{
		{Module: "lib", Function: "helper", InApp: false},
		{Module: "lib2", Function: "helper2", InApp: false},
	}
	r := fingerprint.Fingerprint(frames, "E")
	if len(r.Normalized) != 2 {
		t.Fatalf("expected fallback to full frame list, got %d normalized frames", len(r.Normalized))
	}
}

func TestFingerprintFiltersToInApp(t *testing.T) {
	frames := []fingerprint.Frame{
		{Module: "lib", Function: "helper", InApp: false},
		{Module: "app", Function: "main", InApp: true},
	}
	r := fingerprint.Fingerprint(frames, "E")
	if len(r.Normalized) != 1 || r.Normalized[0] != "app::main" {
		t.Fatalf("expected only the in_app frame retained, got %v", r.Normalized)
	}
}

func TestNormalizeFrameFallsBackToFilename(t *testing.T) {
	frames := []fingerprint.Frame{
		{Filename: "/src/pkg/file.go", InApp: true},
	}
	r := fingerprint.Fingerprint(frames, "")
	if r.Normalized[0] != "file.go" {
		t.Fatalf("expected basename fallback, got %q", r.Normalized[0])
	}
}

func TestTitleTruncation(t *testing.T) {
	long := strings.Repeat("a", 300)
	title := fingerprint.Title("E", long)
	if len(title) != 200 {
		t.Fatalf("expected truncation to 200 chars, got %d", len(title))
	}
}

func TestTitleFirstLineOnly(t *testing.T) {
	title := fingerprint.Title("E", "boom\nmore details here")
	if title != "E: boom" {
		t.Fatalf("expected first line only, got %q", title)
	}
}
