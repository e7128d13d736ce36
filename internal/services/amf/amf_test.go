package amf

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExecInitLoadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "amf.json")
	content := `{"cluster_name":"prod","nodes":["a","b"],"failover_mode":"active-active"}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	s := New(1, path)
	d := s.Descriptor()
	if err := d.ExecInit(); err != nil {
		t.Fatalf("ExecInit: %v", err)
	}

	cfg := d.ExecDump().(Config)
	if cfg.ClusterName != "prod" || len(cfg.Nodes) != 2 || cfg.FailoverMode != "active-active" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestExecInitWithEmptyPathIsANoOp(t *testing.T) {
	s := New(1, "")
	d := s.Descriptor()
	if err := d.ExecInit(); err != nil {
		t.Fatalf("expected no error with an empty config path, got %v", err)
	}
}

func TestExecInitFailsOnMissingFile(t *testing.T) {
	s := New(1, "/nonexistent/amf.json")
	d := s.Descriptor()
	if err := d.ExecInit(); err == nil {
		t.Fatal("expected an error reading a nonexistent config file")
	}
}

func TestExecInitFailsOnMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "amf.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	s := New(1, path)
	d := s.Descriptor()
	if err := d.ExecInit(); err == nil {
		t.Fatal("expected an error parsing malformed config")
	}
}
