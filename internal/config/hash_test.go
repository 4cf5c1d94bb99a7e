package config

import (
	"path/filepath"
	"testing"
)

func TestComputeBlake3Hash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.yaml")
	writeTestFile(t, path, "queue:\n  target: main\n")

	h1, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatalf("ComputeBlake3Hash() failed: %v", err)
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64", len(h1))
	}

	writeTestFile(t, path, "queue:\n  target: dev\n")
	h2, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("hash unchanged after edit")
	}

	if _, err := ComputeBlake3Hash(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFingerprint(t *testing.T) {
	if fp, err := Defaults().Fingerprint(); err != nil || fp != "" {
		t.Fatalf("Defaults().Fingerprint() = %q, %v", fp, err)
	}

	dir := t.TempDir()
	root := filepath.Join(dir, "config.yaml")
	writeTestFile(t, root, "include: [q.yaml]\n")
	writeTestFile(t, filepath.Join(dir, "q.yaml"), "queue:\n  target: main\n")

	cfg, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	fp1, err := cfg.Fingerprint()
	if err != nil || fp1 == "" {
		t.Fatalf("Fingerprint() = %q, %v", fp1, err)
	}

	writeTestFile(t, filepath.Join(dir, "q.yaml"), "queue:\n  target: dev\n")
	fp2, err := cfg.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	if fp1 == fp2 {
		t.Error("fingerprint should change when an included file changes")
	}
}
