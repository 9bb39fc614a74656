package domaind

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/domaind/internal/jobs"
	"pkt.systems/pslog"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		Lockspace:           "test-domain",
		HostID:              1,
		Hosts:               4,
		Privileged:          true,
		MetadataDir:         dir,
		JobStore:            "file://" + filepath.Join(dir, "jobs"),
		LeaseSlots:          16,
		MailboxSlots:        4,
		Workers:             2,
		MailboxPollInterval: 2 * time.Millisecond,
	}
}

func startEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if err := Format(cfg); err != nil {
		t.Fatalf("format: %v", err)
	}
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() {
		if err := eng.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return eng
}

func TestStartRequiresFormattedDomain(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Start(context.Background()); err == nil {
		eng.Shutdown(context.Background())
		t.Fatal("expected start to fail on an unformatted domain")
	}
}

func TestEnginePingRoundTrip(t *testing.T) {
	t.Parallel()
	eng := startEngine(t, testConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out map[string]string
	if err := eng.Call(ctx, CmdPing, map[string]string{"echo": "hello"}, &out); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if out["echo"] != "hello" {
		t.Fatalf("ping echoed %v", out)
	}
}

func TestEngineLeaseCommands(t *testing.T) {
	t.Parallel()
	eng := startEngine(t, testConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var added LeaseReply
	if err := eng.Call(ctx, CmdAddLease, LeaseRequest{Name: "vol-a"}, &added); err != nil {
		t.Fatalf("add lease: %v", err)
	}
	if added.Error != "" || added.Name != "vol-a" || added.Offset <= 0 {
		t.Fatalf("add lease reply %+v", added)
	}

	var looked LeaseReply
	if err := eng.Call(ctx, CmdLookupLease, LeaseRequest{Name: "vol-a"}, &looked); err != nil {
		t.Fatalf("lookup lease: %v", err)
	}
	if looked.Offset != added.Offset {
		t.Fatalf("lookup offset %d, add offset %d", looked.Offset, added.Offset)
	}

	var removed LeaseReply
	if err := eng.Call(ctx, CmdRemoveLease, LeaseRequest{Name: "vol-a"}, &removed); err != nil {
		t.Fatalf("remove lease: %v", err)
	}
	if removed.Error != "" {
		t.Fatalf("remove lease reply %+v", removed)
	}
	var missing LeaseReply
	if err := eng.Call(ctx, CmdLookupLease, LeaseRequest{Name: "vol-a"}, &missing); err != nil {
		t.Fatalf("lookup removed lease: %v", err)
	}
	if missing.Error == "" {
		t.Fatal("expected lookup of removed lease to report an error")
	}
}

func TestEngineJobLifecycleOverMailbox(t *testing.T) {
	t.Parallel()
	eng := startEngine(t, testConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lease LeaseReply
	if err := eng.Call(ctx, CmdAddLease, LeaseRequest{Name: "vol-b"}, &lease); err != nil || lease.Error != "" {
		t.Fatalf("add lease: %v %+v", err, lease)
	}

	var submitted JobReply
	req := JobRequest{
		Type:   jobs.TypeCreateVolume,
		Params: jobs.Params{Volume: "vol-b", SizeBytes: 1 << 20},
	}
	if err := eng.Call(ctx, CmdSubmitJob, req, &submitted); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.Error != "" || submitted.ID == "" {
		t.Fatalf("submit reply %+v", submitted)
	}

	deadline := time.Now().Add(5 * time.Second)
	var st JobReply
	for {
		if err := eng.Call(ctx, CmdJobStatus, JobReference{ID: submitted.ID}, &st); err != nil {
			t.Fatalf("status: %v", err)
		}
		if st.Error != "" {
			t.Fatalf("status reply %+v", st)
		}
		if st.State == jobs.StateDone {
			break
		}
		if st.State == jobs.StateFailed || st.State == jobs.StateAborted {
			t.Fatalf("job ended %s (step %q detail %q)", st.State, st.FailedStep, st.Detail)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in state %s", st.State)
		}
		time.Sleep(2 * time.Millisecond)
	}

	var list JobListReply
	if err := eng.Call(ctx, CmdListJobs, struct{}{}, &list); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].ID != submitted.ID {
		t.Fatalf("list reply %+v", list)
	}

	var cleared JobReply
	if err := eng.Call(ctx, CmdClearJob, JobReference{ID: submitted.ID}, &cleared); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared.Error != "" {
		t.Fatalf("clear reply %+v", cleared)
	}
	if _, err := eng.Jobs().Status(submitted.ID); !errors.Is(err, jobs.ErrNoSuchJob) {
		t.Fatalf("expected ErrNoSuchJob after clear, got %v", err)
	}
}

func TestEngineRejectsUnknownCommand(t *testing.T) {
	t.Parallel()
	eng := startEngine(t, testConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out JobReply
	if err := eng.Call(ctx, 999, struct{}{}, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.Error == "" {
		t.Fatal("expected an error reply for an unknown command")
	}
}

func TestEngineStateSurvivesRestart(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	if err := Format(cfg); err != nil {
		t.Fatalf("format: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := first.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := first.Leases().Add(ctx, "vol-c"); err != nil {
		t.Fatalf("add lease: %v", err)
	}
	if err := first.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	second, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := second.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer second.Shutdown(context.Background())
	slot, err := second.Leases().Lookup("vol-c")
	if err != nil {
		t.Fatalf("lookup after restart: %v", err)
	}
	if slot.Name != "vol-c" {
		t.Fatalf("lookup returned %+v", slot)
	}
}

func TestEngineStartLogsHost(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	if err := Format(cfg); err != nil {
		t.Fatalf("format: %v", err)
	}
	var buf bytes.Buffer
	eng, err := New(cfg, WithLogger(pslog.NewStructured(&buf)))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Shutdown(context.Background())
	if !bytes.Contains(buf.Bytes(), []byte("engine.started")) {
		t.Fatalf("missing startup log, got %q", buf.String())
	}
}
