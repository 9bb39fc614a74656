package domaind

import (
	"path/filepath"
	"testing"
	"time"
)

func TestConfigWithDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{MetadataDir: "/mnt/domain/md"}.WithDefaults()
	if cfg.Lockspace != DefaultLockspace {
		t.Fatalf("lockspace %q", cfg.Lockspace)
	}
	if cfg.LeasesPath != filepath.Join("/mnt/domain/md", "xleases") {
		t.Fatalf("leases path %q", cfg.LeasesPath)
	}
	if cfg.MailboxPath != filepath.Join("/mnt/domain/md", "mailbox") {
		t.Fatalf("mailbox path %q", cfg.MailboxPath)
	}
	if cfg.LocksDir != filepath.Join("/mnt/domain/md", "locks") {
		t.Fatalf("locks dir %q", cfg.LocksDir)
	}
	if cfg.JobStore != "file://"+filepath.Join("/mnt/domain/md", "jobs") {
		t.Fatalf("job store %q", cfg.JobStore)
	}
	if cfg.Hosts != DefaultHosts || cfg.LeaseSlots != DefaultLeaseSlots {
		t.Fatalf("capacity defaults %d/%d", cfg.Hosts, cfg.LeaseSlots)
	}
	if cfg.LockTimeout != DefaultLockTimeout || cfg.DispatchTimeout != DefaultDispatchTimeout {
		t.Fatalf("timeout defaults %v/%v", cfg.LockTimeout, cfg.DispatchTimeout)
	}
	if cfg.RebuildInterval != 0 {
		t.Fatalf("rebuild should stay opt-in, got %v", cfg.RebuildInterval)
	}
}

func TestConfigDefaultsPreserveExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Lockspace:   "prod",
		MetadataDir: "/mnt/md",
		LeasesPath:  "/dev/mapper/leases",
		LockTimeout: 5 * time.Second,
		Workers:     3,
	}.WithDefaults()
	if cfg.Lockspace != "prod" || cfg.LeasesPath != "/dev/mapper/leases" {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
	if cfg.LockTimeout != 5*time.Second || cfg.Workers != 3 {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	valid := Config{MetadataDir: "/mnt/md"}.WithDefaults()
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty lockspace", func(c *Config) { c.Lockspace = "  " }},
		{"negative host id", func(c *Config) { c.HostID = -1 }},
		{"host id past capacity", func(c *Config) { c.HostID = c.Hosts }},
		{"zero lease slots", func(c *Config) { c.LeaseSlots = 0 }},
		{"zero mailbox slots", func(c *Config) { c.MailboxSlots = 0 }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"profiling without metrics", func(c *Config) { c.EnableProfilingMetrics = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	t.Setenv("DOMAIND_CONFIG_DIR", "/etc/domaind")
	dir, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if dir != "/etc/domaind" {
		t.Fatalf("config dir %q", dir)
	}
}
