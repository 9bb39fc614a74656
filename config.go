package domaind

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultConfigFileName is the file loaded from the config directory
	// when --config is not given.
	DefaultConfigFileName = "config.yaml"

	// DefaultLockspace names the domain's cluster lockspace.
	DefaultLockspace = "domain"
	// DefaultMetadataDir holds the domain's lease index, mailslot region
	// and cluster lock files on the shared filesystem.
	DefaultMetadataDir = "/var/lib/domaind"
	// DefaultJobStore persists job records next to the metadata.
	DefaultJobStore = "file://" + DefaultMetadataDir + "/jobs"

	// DefaultHosts is the number of host slots in the mailslot region.
	DefaultHosts = 64
	// DefaultLeaseSlots sizes the lease directory.
	DefaultLeaseSlots = 1024
	// DefaultMailboxSlots bounds outstanding mailbox messages per host.
	DefaultMailboxSlots = 8
	// DefaultWorkers sizes the shared job/executor worker pool.
	DefaultWorkers = 8

	// DefaultLockTimeout bounds cluster-lock acquisition.
	DefaultLockTimeout = 60 * time.Second
	// DefaultMailboxPollInterval paces mailbox polling without a file watch.
	DefaultMailboxPollInterval = 50 * time.Millisecond
	// DefaultRebuildInterval spaces maintenance rebuilds of the lease
	// index; zero disables them.
	DefaultRebuildInterval = 10 * time.Minute
	// DefaultDiagnosticsInterval spaces host health samples.
	DefaultDiagnosticsInterval = time.Minute
	// DefaultDispatchTimeout bounds how long a job submit waits for a free
	// worker before reporting backpressure.
	DefaultDispatchTimeout = 5 * time.Second

	// DefaultMetricsListen is empty: metrics are opt-in.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty: pprof is opt-in.
	DefaultPprofListen = ""
)

// Config describes one host's view of a storage domain.
type Config struct {
	// Lockspace names the domain in the cluster locking primitive. All
	// hosts of one domain must agree on it.
	Lockspace string
	// HostID is this host's index in the mailslot region, unique per
	// domain, in [0, Hosts).
	HostID int
	// Hosts is the domain's host-slot capacity.
	Hosts int
	// Privileged marks the host that executes mailbox commands. At most
	// one host per domain runs privileged.
	Privileged bool

	// MetadataDir is the shared directory holding the domain metadata.
	// LeasesPath, MailboxPath and LocksDir default to files inside it.
	MetadataDir string
	LeasesPath  string
	MailboxPath string
	LocksDir    string

	// JobStore selects the job-state backend by URL (file://, s3://,
	// mem://).
	JobStore string

	LeaseSlots   int
	MailboxSlots int
	Workers      int

	LockTimeout         time.Duration
	MailboxPollInterval time.Duration
	RebuildInterval     time.Duration
	DiagnosticsInterval time.Duration
	DispatchTimeout     time.Duration

	// MetricsListen exposes a Prometheus scrape endpoint when non-empty.
	MetricsListen string
	// PprofListen exposes the pprof debug endpoints when non-empty.
	PprofListen string
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://,
	// https://, or bare host:port for insecure gRPC).
	OTLPEndpoint string
	// EnableProfilingMetrics adds Go runtime metrics to the scrape
	// endpoint.
	EnableProfilingMetrics bool
}

// WithDefaults fills unset fields. It does not validate.
func (c Config) WithDefaults() Config {
	if c.Lockspace == "" {
		c.Lockspace = DefaultLockspace
	}
	if c.Hosts <= 0 {
		c.Hosts = DefaultHosts
	}
	if c.MetadataDir == "" {
		c.MetadataDir = DefaultMetadataDir
	}
	if c.LeasesPath == "" {
		c.LeasesPath = filepath.Join(c.MetadataDir, "xleases")
	}
	if c.MailboxPath == "" {
		c.MailboxPath = filepath.Join(c.MetadataDir, "mailbox")
	}
	if c.LocksDir == "" {
		c.LocksDir = filepath.Join(c.MetadataDir, "locks")
	}
	if c.JobStore == "" {
		c.JobStore = "file://" + filepath.Join(c.MetadataDir, "jobs")
	}
	if c.LeaseSlots <= 0 {
		c.LeaseSlots = DefaultLeaseSlots
	}
	if c.MailboxSlots <= 0 {
		c.MailboxSlots = DefaultMailboxSlots
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.MailboxPollInterval <= 0 {
		c.MailboxPollInterval = DefaultMailboxPollInterval
	}
	if c.DiagnosticsInterval <= 0 {
		c.DiagnosticsInterval = DefaultDiagnosticsInterval
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	return c
}

// Validate rejects configurations the engine cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Lockspace) == "" {
		return fmt.Errorf("config: lockspace must not be empty")
	}
	if c.HostID < 0 || c.HostID >= c.Hosts {
		return fmt.Errorf("config: host id %d outside [0,%d)", c.HostID, c.Hosts)
	}
	if c.LeaseSlots < 1 {
		return fmt.Errorf("config: lease slots must be positive")
	}
	if c.MailboxSlots < 1 {
		return fmt.Errorf("config: mailbox slots must be positive")
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be positive")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require a metrics listen address")
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.domaind, overridable with DOMAIND_CONFIG_DIR).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("DOMAIND_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".domaind"), nil
}
