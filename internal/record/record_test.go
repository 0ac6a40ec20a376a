package record

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndLoad(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	at := time.Date(2022, 1, 18, 10, 4, 2, 0, time.UTC)

	if err := r.Start("WindowShift", []string{"CA", "CO"}, at); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Record([]float64{37, 1200}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := r.Record([]float64{38, 1350.5}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := r.Record([]float64{1}); err == nil {
		t.Fatal("Record with wrong width: expected error")
	}
	if err := r.WriteMetadata(map[string]any{"window_size": 12, "shift_A": true}); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
	path := r.Path()
	r.Close()

	want := filepath.Join(dir, "WindowShift", "2022-01-18-10-04-02.csv")
	if path != want {
		t.Fatalf("path = %s, want %s", path, want)
	}
	if _, err := os.Stat(filepath.Join(dir, "WindowShift", "2022-01-18-10-04-02.yaml")); err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}

	run, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(run.Rows) != 2 || run.Rows[1][1] != 1350.5 {
		t.Fatalf("rows = %v", run.Rows)
	}
	if run.Metadata.Scheme != "WindowShift" || run.Metadata.Params["shift_A"] != true {
		t.Fatalf("metadata = %+v", run.Metadata)
	}
	co, err := run.Column("CO")
	if err != nil || co[0] != 1200 {
		t.Fatalf("Column(CO) = %v, %v", co, err)
	}
	if _, err := run.Column("XX"); err == nil {
		t.Fatal("Column(XX): expected error")
	}
}

func TestRecordWithoutStart(t *testing.T) {
	r := New(t.TempDir())
	if err := r.Record([]float64{1}); err == nil {
		t.Fatal("expected error before Start")
	}
	if err := r.WriteMetadata(nil); err == nil {
		t.Fatal("expected error before Start")
	}
}

func TestLoadRotatedPartUsesRunSidecar(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	at := time.Date(2022, 1, 18, 10, 4, 2, 0, time.UTC)
	if err := r.Start("SingleRun", []string{"C1", "C2", "CO"}, at); err != nil {
		t.Fatal(err)
	}
	if err := r.WriteMetadata(map[string]any{"count": 10}); err != nil {
		t.Fatal(err)
	}
	r.Close()

	part := filepath.Join(dir, "SingleRun", at.Format(TimestampFormat)+"_part2.csv")
	if err := os.WriteFile(part, []byte("C1,C2,CO\n1,2,3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run, err := Load(part)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if run.Metadata.Scheme != "SingleRun" || len(run.Rows) != 1 {
		t.Fatalf("run = %+v", run)
	}
}
