package domaind

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"pkt.systems/domaind/internal/clock"
	"pkt.systems/domaind/internal/cluster"
	"pkt.systems/domaind/internal/diagnostics"
	"pkt.systems/domaind/internal/jobs"
	"pkt.systems/domaind/internal/jobs/jobstore"
	"pkt.systems/domaind/internal/logutil"
	"pkt.systems/domaind/internal/mailbox"
	"pkt.systems/domaind/internal/region"
	"pkt.systems/domaind/internal/resmgr"
	"pkt.systems/domaind/internal/sched"
	"pkt.systems/domaind/internal/xleases"
	"pkt.systems/pslog"
)

// volumeNamespaceOrder fixes the volumes namespace's slot in the global
// lock order. Lower keys are acquired first.
const volumeNamespaceOrder resmgr.OrderKey = 10

// Engine wires one host's resource manager, lease directory, job engine and
// mailbox endpoint over a shared storage domain.
type Engine struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	volumes  jobs.VolumeOps
	locker   cluster.Locker
	jobStore jobstore.Store

	leaseRegion region.Region
	mailRegion  region.Region
	directory   *xleases.Directory
	resources   *resmgr.Manager
	executor    *sched.Executor
	scheduler   *sched.Scheduler
	jobEngine   *jobs.Engine
	sender      *mailbox.Sender
	receiver    *mailbox.Receiver
	sampler     *diagnostics.Sampler
	telemetry   *telemetryBundle

	mu      sync.Mutex
	started bool
	entries []*sched.Entry
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger; subsystems derive their own tags.
func WithLogger(logger pslog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock injects a test clock.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clock = clk }
}

// WithVolumeOps injects the storage collaborator jobs mutate volumes
// through. Without it the engine runs against an in-memory fake, which is
// only useful for tests and dry runs.
func WithVolumeOps(vols jobs.VolumeOps) Option {
	return func(e *Engine) { e.volumes = vols }
}

// WithLocker overrides the cluster locking primitive. The default locks
// files under Config.LocksDir, which is correct when the metadata directory
// lives on a filesystem with sound fcntl semantics.
func WithLocker(locker cluster.Locker) Option {
	return func(e *Engine) { e.locker = locker }
}

// WithJobStore overrides the job-state backend selected by Config.JobStore.
func WithJobStore(store jobstore.Store) Option {
	return func(e *Engine) { e.jobStore = store }
}

// New validates cfg and constructs a stopped Engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logutil.Ensure(e.logger)
	if e.clock == nil {
		e.clock = clock.Real{}
	}
	return e, nil
}

// mailboxGeometry derives the relay layout from the config.
func (c Config) mailboxGeometry() mailbox.Geometry {
	return mailbox.Geometry{Hosts: c.Hosts, SlotsPerHost: c.MailboxSlots}
}

// Format initializes a domain's metadata: the lease index, a zeroed
// mailslot region, and the spool directories. Destroys any existing domain
// state under the metadata directory.
func Format(cfg Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.MetadataDir, 0o755); err != nil {
		return fmt.Errorf("domaind: create metadata dir: %w", err)
	}

	leaseRgn, err := region.OpenFile(cfg.LeasesPath, xleases.IndexSize(cfg.LeaseSlots))
	if err != nil {
		return fmt.Errorf("domaind: open lease index: %w", err)
	}
	defer leaseRgn.Close()
	if err := xleases.Format(leaseRgn, xleases.Config{
		Lockspace: cfg.Lockspace,
		SlotCount: cfg.LeaseSlots,
	}); err != nil {
		return err
	}

	geo := cfg.mailboxGeometry()
	mailRgn, err := region.OpenFile(cfg.MailboxPath, geo.RegionSize())
	if err != nil {
		return fmt.Errorf("domaind: open mailslot region: %w", err)
	}
	defer mailRgn.Close()
	const zeroChunk = 128 * region.SectorSize
	zero := make([]byte, zeroChunk)
	for off := int64(0); off < geo.RegionSize(); off += zeroChunk {
		n := geo.RegionSize() - off
		if n > zeroChunk {
			n = zeroChunk
		}
		if err := mailRgn.WriteAt(zero[:n], off); err != nil {
			return fmt.Errorf("domaind: zero mailslot region: %w", err)
		}
	}
	return nil
}

// Start brings the engine up: telemetry, lease directory, resource
// namespaces, job recovery, mailbox endpoint, and the maintenance
// schedules. It fails fast when the domain is not formatted.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("domaind: engine already started")
	}
	e.started = true
	e.mu.Unlock()

	telemetry, err := setupTelemetry(ctx, e.cfg, logutil.WithSubsystem(e.logger, "telemetry"))
	if err != nil {
		return err
	}
	e.telemetry = telemetry

	if e.locker == nil {
		locker, err := cluster.NewFileLocker(e.cfg.LocksDir, e.clock)
		if err != nil {
			return e.failStart(ctx, err)
		}
		e.locker = locker
	}

	e.leaseRegion, err = region.OpenFile(e.cfg.LeasesPath, xleases.IndexSize(e.cfg.LeaseSlots))
	if err != nil {
		return e.failStart(ctx, fmt.Errorf("domaind: open lease index: %w", err))
	}
	e.directory, err = xleases.Open(e.leaseRegion, e.locker, xleases.Config{
		Lockspace:   e.cfg.Lockspace,
		SlotCount:   e.cfg.LeaseSlots,
		LockTimeout: e.cfg.LockTimeout,
		Logger:      e.logger,
		Clock:       e.clock,
	})
	if err != nil {
		if errors.Is(err, xleases.ErrNotFormatted) {
			err = fmt.Errorf("%w (run \"domaind format\" once per domain)", err)
		}
		return e.failStart(ctx, err)
	}

	e.resources = resmgr.New(resmgr.WithLogger(e.logger), resmgr.WithClock(e.clock))
	backer := xleases.NewBacker(e.directory, e.locker, e.cfg.LockTimeout)
	if err := e.resources.RegisterNamespace(jobs.DefaultNamespace, volumeNamespaceOrder, backer); err != nil {
		return e.failStart(ctx, err)
	}

	e.executor = sched.NewExecutor(e.cfg.Workers,
		sched.WithExecutorLogger(e.logger), sched.WithExecutorClock(e.clock))
	e.scheduler = sched.NewScheduler(
		sched.WithSchedulerLogger(e.logger), sched.WithSchedulerClock(e.clock))

	if e.jobStore == nil {
		store, err := jobstore.Open(e.cfg.JobStore)
		if err != nil {
			return e.failStart(ctx, err)
		}
		e.jobStore = store
	}
	if e.volumes == nil {
		e.logger.Warn("engine.volumes.fake", "detail", "no volume ops injected, using in-memory fake")
		e.volumes = jobs.NewMemVolumes()
	}
	e.jobEngine, err = jobs.New(jobs.Config{
		Store:           e.jobStore,
		Resources:       e.resources,
		Executor:        e.executor,
		Volumes:         e.volumes,
		Logger:          e.logger,
		Clock:           e.clock,
		DispatchTimeout: e.cfg.DispatchTimeout,
	})
	if err != nil {
		return e.failStart(ctx, err)
	}
	if err := e.jobEngine.Recover(ctx); err != nil {
		return e.failStart(ctx, err)
	}

	geo := e.cfg.mailboxGeometry()
	e.mailRegion, err = region.OpenFile(e.cfg.MailboxPath, geo.RegionSize())
	if err != nil {
		return e.failStart(ctx, fmt.Errorf("domaind: open mailslot region: %w", err))
	}
	e.sender, err = mailbox.NewSender(mailbox.SenderConfig{
		Region:       e.mailRegion,
		Geometry:     geo,
		HostID:       e.cfg.HostID,
		PollInterval: e.cfg.MailboxPollInterval,
		WatchPath:    e.cfg.MailboxPath,
		Logger:       e.logger,
		Clock:        e.clock,
	})
	if err != nil {
		return e.failStart(ctx, err)
	}
	if e.cfg.Privileged {
		e.receiver, err = mailbox.NewReceiver(mailbox.ReceiverConfig{
			Region:   e.mailRegion,
			Geometry: geo,
			Logger:   e.logger,
		})
		if err != nil {
			return e.failStart(ctx, err)
		}
		e.entries = append(e.entries,
			e.scheduler.Periodic(e.cfg.MailboxPollInterval, e.pollMailbox))
	}

	e.sampler = diagnostics.NewSampler(e.logger)
	e.entries = append(e.entries,
		e.sampler.Schedule(e.scheduler, e.cfg.DiagnosticsInterval))
	if e.cfg.RebuildInterval > 0 {
		e.entries = append(e.entries,
			e.scheduler.Periodic(e.cfg.RebuildInterval, e.rebuildLeases))
	}

	e.logger.Info("engine.started",
		"lockspace", e.cfg.Lockspace,
		"host", e.cfg.HostID,
		"privileged", e.cfg.Privileged,
		"lease_slots", e.cfg.LeaseSlots,
		"workers", e.cfg.Workers,
		"job_store", e.cfg.JobStore,
	)
	return nil
}

func (e *Engine) failStart(ctx context.Context, err error) error {
	_ = e.teardown(ctx)
	return err
}

// rebuildLeases reclaims corrupt and duplicate lease slots in the
// background. Failures are logged and retried on the next tick; maintenance
// never takes the engine down.
func (e *Engine) rebuildLeases() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.LockTimeout)
	defer cancel()
	if err := e.directory.Rebuild(ctx); err != nil {
		e.logger.Warn("engine.lease_rebuild_failed", "error", err)
	}
}

// Shutdown stops schedules, drains workers, and releases storage handles.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()
	return e.teardown(ctx)
}

func (e *Engine) teardown(ctx context.Context) error {
	var errs []error
	for _, entry := range e.entries {
		entry.Stop()
	}
	e.entries = nil
	if e.scheduler != nil {
		e.scheduler.Close()
	}
	if e.executor != nil {
		e.executor.Close()
	}
	if e.sender != nil {
		if err := e.sender.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.jobStore != nil {
		if err := e.jobStore.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.mailRegion != nil {
		if err := e.mailRegion.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.leaseRegion != nil {
		if err := e.leaseRegion.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.telemetry != nil {
		if err := e.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	e.logger.Info("engine.stopped")
	return nil
}

// Jobs exposes the job engine.
func (e *Engine) Jobs() *jobs.Engine { return e.jobEngine }

// Leases exposes the lease directory.
func (e *Engine) Leases() *xleases.Directory { return e.directory }

// Resources exposes the resource manager.
func (e *Engine) Resources() *resmgr.Manager { return e.resources }

// Mailbox exposes this host's mailbox sender.
func (e *Engine) Mailbox() *mailbox.Sender { return e.sender }
