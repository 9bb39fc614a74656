package jobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func testRecord(id string) *Record {
	return &Record{
		ID:          id,
		Type:        "copy-data",
		Status:      "running",
		Params:      []byte(`{"src":"vol-a","dst":"vol-b"}`),
		StepsDone:   []string{"allocate", "copy"},
		StepRetries: map[string]int{"copy": 1},
		SubmittedAt: 1700000000,
		UpdatedAt:   1700000042,
	}
}

func testStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: err = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete missing: err = %v, want ErrNotFound", err)
	}

	rec := testRecord("job-1")
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Type != rec.Type || got.Status != rec.Status || len(got.StepsDone) != 2 {
		t.Fatalf("Get returned %+v, want %+v", got, rec)
	}
	if got.StepRetries["copy"] != 1 {
		t.Fatalf("StepRetries = %v, want copy:1", got.StepRetries)
	}

	// Mutating the returned record must not leak into the store.
	got.StepsDone = append(got.StepsDone, "verify")
	again, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if len(again.StepsDone) != 2 {
		t.Fatalf("stored record mutated through snapshot: %v", again.StepsDone)
	}

	// Put rewrites in place.
	rec.Status = "done"
	rec.StepsDone = []string{"allocate", "copy", "verify", "finalize"}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put rewrite: %v", err)
	}
	got, err = store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get after rewrite: %v", err)
	}
	if got.Status != "done" || len(got.StepsDone) != 4 {
		t.Fatalf("rewrite not observed: %+v", got)
	}

	if err := store.Put(ctx, testRecord("job-2")); err != nil {
		t.Fatalf("Put job-2: %v", err)
	}
	recs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "job-1" || ids[1] != "job-2" {
		t.Fatalf("List ids = %v, want [job-1 job-2]", ids)
	}

	if err := store.Delete(ctx, "job-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get deleted: err = %v, want ErrNotFound", err)
	}
}

func TestMemStoreContract(t *testing.T) {
	t.Parallel()
	testStoreContract(t, NewMemStore())
}

func TestFileStoreContract(t *testing.T) {
	t.Parallel()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	testStoreContract(t, store)
}

func TestFileStoreReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	root := t.TempDir()

	store, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Put(ctx, testRecord("job-1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// A second store over the same directory sees the record, as a
	// restarted engine would.
	reopened, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec, err := reopened.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if rec.Status != "running" {
		t.Fatalf("Status = %q, want running", rec.Status)
	}
}

func TestFileStoreIgnoresStrayFiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	root := t.TempDir()

	store, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Put(ctx, testRecord("job-1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Leftover temp file from a crashed writer and an unrelated file.
	if err := os.WriteFile(filepath.Join(root, ".job-2.abc.tmp"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write stray temp: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "README"), []byte("spool"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	recs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "job-1" {
		t.Fatalf("List = %v, want just job-1", recs)
	}
}

func TestMemStorePutHookFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemStore()
	boom := errors.New("disk on fire")
	store.PutHook = func(*Record) error { return boom }

	if err := store.Put(ctx, testRecord("job-1")); !errors.Is(err, boom) {
		t.Fatalf("Put err = %v, want injected failure", err)
	}
	if _, err := store.Get(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed Put must not store anything, got err = %v", err)
	}
}

func TestOpenSchemes(t *testing.T) {
	t.Parallel()

	store, err := Open("mem://")
	if err != nil {
		t.Fatalf("Open mem: %v", err)
	}
	if _, ok := store.(*MemStore); !ok {
		t.Fatalf("Open mem returned %T", store)
	}

	root := t.TempDir()
	store, err = Open("file://" + root)
	if err != nil {
		t.Fatalf("Open file: %v", err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("Open file returned %T", store)
	}

	if _, err := Open("ftp://nope"); err == nil {
		t.Fatal("Open ftp: expected error")
	}
	if _, err := Open("s3://"); err == nil {
		t.Fatal("Open s3 without bucket: expected error")
	}
}
