package main

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/domaind"
	"pkt.systems/pslog"
)

func TestVersionCommandOutput(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "pkt.systems/domaind") {
		t.Fatalf("version output %q", out.String())
	}
}

func TestRootFlagLayout(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	if flag := root.PersistentFlags().Lookup("metadata-dir"); flag == nil || flag.DefValue != domaind.DefaultMetadataDir {
		t.Fatalf("expected persistent --metadata-dir with default %q, got %#v", domaind.DefaultMetadataDir, flag)
	}
	if flag := root.Flags().Lookup("privileged"); flag == nil {
		t.Fatal("expected --privileged on root local flags")
	}
	if flag := root.PersistentFlags().Lookup("privileged"); flag != nil {
		t.Fatalf("expected --privileged to not be persistent, got %#v", flag)
	}
	for _, name := range []string{"format", "leases", "jobs", "version"} {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("missing subcommand %q", name)
		}
	}
}

func TestBindConfigDefaults(t *testing.T) {
	_ = newRootCommand(pslog.NewStructured(io.Discard))
	cfg, err := bindConfig()
	if err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.Lockspace != domaind.DefaultLockspace {
		t.Fatalf("lockspace %q", cfg.Lockspace)
	}
	if cfg.Hosts != domaind.DefaultHosts || cfg.LeaseSlots != domaind.DefaultLeaseSlots {
		t.Fatalf("capacity %d/%d", cfg.Hosts, cfg.LeaseSlots)
	}
	if cfg.Privileged {
		t.Fatal("privileged should default off")
	}
	if cfg.RebuildInterval != domaind.DefaultRebuildInterval {
		t.Fatalf("rebuild interval %v", cfg.RebuildInterval)
	}
}

func TestDefaultConfigYAML(t *testing.T) {
	data, err := defaultConfigYAML(func(c *configDefaults) {
		c.Lockspace = "pool7"
	})
	if err != nil {
		t.Fatalf("generate config: %v", err)
	}
	text := string(data)
	for _, want := range []string{"lockspace: pool7", "metadata-dir:", "lease-slots:", "mailbox-poll-interval:"} {
		if !strings.Contains(text, want) {
			t.Fatalf("config missing %q:\n%s", want, text)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	got, err := expandPath("~/domain")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, "domain") {
		t.Fatalf("expanded %q", got)
	}
	abs, err := expandPath("relative/dir")
	if err != nil {
		t.Fatalf("expand relative: %v", err)
	}
	if !filepath.IsAbs(abs) {
		t.Fatalf("expected absolute path, got %q", abs)
	}
}
