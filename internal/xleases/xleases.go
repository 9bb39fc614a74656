// Package xleases turns a fixed region of a storage domain's metadata volume
// into a directory of named, cluster-wide fencing leases. The directory maps
// lease names to slot indices; the slot index fixes the offset of the lease
// area consumed by the cluster locking primitive. Any host may look names
// up, but every directory mutation (add/remove/rebuild) runs under an
// exclusive cluster lock on the reserved directory lease in slot 0, so
// concurrent edits from different hosts are totally ordered.
package xleases

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/domaind/internal/cluster"
	"pkt.systems/domaind/internal/clock"
	"pkt.systems/domaind/internal/logutil"
	"pkt.systems/domaind/internal/region"
)

var (
	// ErrNoSuchLease indicates the name is not in the directory.
	ErrNoSuchLease = errors.New("xleases: no such lease")
	// ErrLeaseExists indicates an Add for a name that is already allocated.
	ErrLeaseExists = errors.New("xleases: lease exists")
	// ErrDirectoryFull indicates every slot is allocated. Terminal for the
	// operation; the directory never compacts implicitly.
	ErrDirectoryFull = errors.New("xleases: directory full")
	// ErrCorruptRecord indicates a checksum mismatch. Corrupt records are
	// treated as absent and reclaimed by Rebuild.
	ErrCorruptRecord = errors.New("xleases: corrupt record")
	// ErrStaleLease indicates a slot's sequence regressed versus what this
	// host observed earlier: a concurrent writer raced past expectations.
	// Always fatal to the in-flight operation.
	ErrStaleLease = errors.New("xleases: stale lease")
	// ErrInvalidName indicates a lease name that does not fit the record
	// format.
	ErrInvalidName = errors.New("xleases: invalid lease name")
	// ErrNotFormatted indicates the region carries no lease index.
	ErrNotFormatted = errors.New("xleases: region not formatted")
)

const (
	// DirectoryResource is the reserved slot-0 lease serializing directory
	// mutations across hosts.
	DirectoryResource = "xleases"

	// DefaultSlotCount bounds how many leases one domain can carry.
	DefaultSlotCount = 1024

	// DefaultLeaseSize is the per-lease area consumed by the cluster
	// locking primitive (2048 sectors, matching common fencing daemons).
	DefaultLeaseSize = 2048 * region.SectorSize

	// DefaultLockTimeout bounds directory cluster-lock acquisition.
	DefaultLockTimeout = 60 * time.Second
)

// IndexSize returns the region bytes needed for a directory of slotCount
// slots: one header sector plus one sector per slot.
func IndexSize(slotCount int) int64 {
	return int64(1+slotCount) * region.SectorSize
}

// Slot describes one allocated lease.
type Slot struct {
	Index    int
	Name     string
	Sequence uint64
	// Offset of the lease area inside the domain's lease volume, handed to
	// the cluster locking primitive.
	Offset int64
}

// Config tunes a Directory.
type Config struct {
	Lockspace   string
	SlotCount   int
	LeaseSize   int64
	LeaseBase   int64 // defaults to LeaseSize: the first area is the index
	LockTimeout time.Duration
	Logger      pslog.Logger
	Clock       clock.Clock
}

func (c *Config) withDefaults() {
	if c.SlotCount <= 0 {
		c.SlotCount = DefaultSlotCount
	}
	if c.LeaseSize <= 0 {
		c.LeaseSize = DefaultLeaseSize
	}
	if c.LeaseBase <= 0 {
		c.LeaseBase = c.LeaseSize
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
}

// Directory is the in-memory view of the on-disk lease index. The view is a
// cache: every mutating operation re-reads the index from storage under the
// directory lock before deciding anything.
type Directory struct {
	logger    pslog.Logger
	clock     clock.Clock
	rgn       region.Region
	locker    cluster.Locker
	lockspace string
	slotCount int
	leaseSize int64
	leaseBase int64
	lockWait  time.Duration

	mu    sync.Mutex
	index map[string]indexEntry
}

type indexEntry struct {
	slot     int
	sequence uint64
}

// Format initializes the index: header plus zeroed records, with the
// reserved directory lease written into slot 0. Destroys any existing
// directory; run only when creating or wiping a domain.
func Format(rgn region.Region, cfg Config) error {
	cfg.withDefaults()
	if rgn.Size() < IndexSize(cfg.SlotCount) {
		return fmt.Errorf("xleases: region too small for %d slots", cfg.SlotCount)
	}
	buf := make([]byte, IndexSize(cfg.SlotCount))
	encodeHeader(buf[:region.SectorSize], header{
		slotCount: uint32(cfg.SlotCount),
		slotSize:  region.SectorSize,
		lockspace: cfg.Lockspace,
	})
	encodeRecord(buf[region.SectorSize:2*region.SectorSize], record{
		name:     DirectoryResource,
		sequence: 1,
		used:     true,
	})
	return rgn.WriteAt(buf, 0)
}

// Open loads the directory from the region, validating the header and
// reconciling the in-memory index to on-disk truth.
func Open(rgn region.Region, locker cluster.Locker, cfg Config) (*Directory, error) {
	cfg.withDefaults()
	sector := make([]byte, region.SectorSize)
	if err := rgn.ReadAt(sector, 0); err != nil {
		return nil, err
	}
	h, err := decodeHeader(sector)
	if err != nil {
		return nil, err
	}
	if cfg.Lockspace != "" && cfg.Lockspace != h.lockspace {
		return nil, fmt.Errorf("xleases: region belongs to lockspace %q, not %q", h.lockspace, cfg.Lockspace)
	}
	d := &Directory{
		logger:    logutil.WithSubsystem(cfg.Logger, "xleases"),
		clock:     cfg.Clock,
		rgn:       rgn,
		locker:    locker,
		lockspace: h.lockspace,
		slotCount: int(h.slotCount),
		leaseSize: cfg.LeaseSize,
		leaseBase: cfg.LeaseBase,
		lockWait:  cfg.LockTimeout,
		index:     make(map[string]indexEntry),
	}
	scan, err := d.readSlots()
	if err != nil {
		return nil, err
	}
	d.adoptScan(scan)
	d.logger.Info("directory.opened",
		"lockspace", d.lockspace,
		"slots", d.slotCount,
		"leases", len(d.index),
	)
	return d, nil
}

// Lockspace returns the lockspace the directory belongs to.
func (d *Directory) Lockspace() string { return d.lockspace }

// SlotCount returns the directory capacity including the reserved slot.
func (d *Directory) SlotCount() int { return d.slotCount }

func validateName(name string) error {
	if name == "" || len(name) > MaxNameLen {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: embedded NUL", ErrInvalidName)
	}
	return nil
}

func (d *Directory) withDirLock(ctx context.Context, fn func() error) error {
	if err := d.locker.Acquire(ctx, d.lockspace, DirectoryResource, d.lockWait); err != nil {
		return fmt.Errorf("xleases: directory lock: %w", err)
	}
	defer func() {
		if err := d.locker.Release(d.lockspace, DirectoryResource); err != nil {
			d.logger.Error("directory.unlock_failed", "error", err)
		}
	}()
	return fn()
}

// Add allocates the first free slot for name and persists the record.
func (d *Directory) Add(ctx context.Context, name string) (Slot, error) {
	if err := validateName(name); err != nil {
		return Slot{}, err
	}
	var out Slot
	err := d.withDirLock(ctx, func() error {
		scan, err := d.readSlots()
		if err != nil {
			return err
		}
		d.adoptScan(scan)
		if _, ok := scan.entries[name]; ok {
			return fmt.Errorf("%w: %s", ErrLeaseExists, name)
		}
		slot := -1
		for _, free := range scan.free {
			if free == 0 {
				continue
			}
			slot = free
			break
		}
		if slot < 0 {
			return fmt.Errorf("%w: %s", ErrDirectoryFull, name)
		}
		rec := record{name: name, sequence: scan.maxSeq + 1, used: true}
		if err := d.writeRecord(slot, &rec); err != nil {
			return err
		}
		d.mu.Lock()
		d.index[name] = indexEntry{slot: slot, sequence: rec.sequence}
		d.mu.Unlock()
		out = d.slotInfo(slot, rec)
		d.logger.Info("lease.added", "lease", name, "slot", slot, "sequence", rec.sequence)
		return nil
	})
	return out, err
}

// Lookup resolves name to its slot, reading the authoritative record and
// validating its checksum; the in-memory index is only a hint.
func (d *Directory) Lookup(name string) (Slot, error) {
	if err := validateName(name); err != nil {
		return Slot{}, err
	}
	d.mu.Lock()
	entry, ok := d.index[name]
	d.mu.Unlock()
	if !ok {
		// The index is a cache; another host may have added the lease.
		scan, err := d.readSlots()
		if err != nil {
			return Slot{}, err
		}
		d.adoptScan(scan)
		if entry, ok = scan.entries[name]; !ok {
			return Slot{}, fmt.Errorf("%w: %s", ErrNoSuchLease, name)
		}
	}

	rec, state, err := d.readRecord(entry.slot)
	if err != nil {
		return Slot{}, err
	}
	switch {
	case state == recordCorrupt:
		d.dropEntry(name, entry)
		return Slot{}, fmt.Errorf("%w: slot %d (%s)", ErrCorruptRecord, entry.slot, name)
	case state == recordFree || rec.name != name:
		d.dropEntry(name, entry)
		return Slot{}, fmt.Errorf("%w: %s", ErrNoSuchLease, name)
	case rec.sequence < entry.sequence:
		return Slot{}, fmt.Errorf("%w: %s slot %d sequence %d < %d",
			ErrStaleLease, name, entry.slot, rec.sequence, entry.sequence)
	}
	d.mu.Lock()
	d.index[name] = indexEntry{slot: entry.slot, sequence: rec.sequence}
	d.mu.Unlock()
	return d.slotInfo(entry.slot, rec), nil
}

// Remove frees the lease's slot, zeroing the record (checksum included)
// before the directory lock is released so a half-completed free can never
// present as a valid lease on rebuild.
func (d *Directory) Remove(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if name == DirectoryResource {
		return fmt.Errorf("%w: reserved", ErrInvalidName)
	}
	return d.withDirLock(ctx, func() error {
		scan, err := d.readSlots()
		if err != nil {
			return err
		}
		d.adoptScan(scan)
		entry, ok := scan.entries[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoSuchLease, name)
		}
		if err := d.writeRecord(entry.slot, nil); err != nil {
			return err
		}
		d.mu.Lock()
		delete(d.index, name)
		d.mu.Unlock()
		d.logger.Info("lease.removed", "lease", name, "slot", entry.slot)
		return nil
	})
}

// Rebuild reconciles the in-memory index to on-disk truth and repairs the
// index: corrupt records and lower-sequence duplicates are zeroed back into
// the free pool, and the reserved directory record is rewritten if damaged.
// Used after a crash or when joining a domain modified by another host.
func (d *Directory) Rebuild(ctx context.Context) error {
	return d.withDirLock(ctx, func() error {
		scan, err := d.readSlots()
		if err != nil {
			return err
		}
		for _, slot := range scan.reclaim {
			if err := d.writeRecord(slot, nil); err != nil {
				return err
			}
			d.logger.Warn("directory.slot_reclaimed", "slot", slot)
		}
		if _, ok := scan.entries[DirectoryResource]; !ok {
			rec := record{name: DirectoryResource, sequence: scan.maxSeq + 1, used: true}
			if err := d.writeRecord(0, &rec); err != nil {
				return err
			}
			scan.entries[DirectoryResource] = indexEntry{slot: 0, sequence: rec.sequence}
			d.logger.Warn("directory.slot0_rewritten", "sequence", rec.sequence)
		}
		d.adoptScan(scan)
		d.logger.Info("directory.rebuilt", "leases", len(scan.entries), "reclaimed", len(scan.reclaim))
		return nil
	})
}

// Leases returns a name -> slot snapshot for display.
func (d *Directory) Leases() []Slot {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Slot, 0, len(d.index))
	for name, entry := range d.index {
		out = append(out, Slot{
			Index:    entry.slot,
			Name:     name,
			Sequence: entry.sequence,
			Offset:   d.leaseOffset(entry.slot),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (d *Directory) slotInfo(slot int, rec record) Slot {
	return Slot{
		Index:    slot,
		Name:     rec.name,
		Sequence: rec.sequence,
		Offset:   d.leaseOffset(slot),
	}
}

func (d *Directory) leaseOffset(slot int) int64 {
	return d.leaseBase + int64(slot)*d.leaseSize
}

func (d *Directory) dropEntry(name string, stale indexEntry) {
	d.mu.Lock()
	if cur, ok := d.index[name]; ok && cur == stale {
		delete(d.index, name)
	}
	d.mu.Unlock()
}

type scanResult struct {
	entries map[string]indexEntry
	free    []int // ascending slot order
	reclaim []int // corrupt slots and losing duplicates, for Rebuild
	maxSeq  uint64
}

// readSlots reads the whole index in one aligned read and classifies every
// slot. Duplicate names keep the highest-sequence record; the losers join
// the reclaim list.
func (d *Directory) readSlots() (scanResult, error) {
	buf := make([]byte, IndexSize(d.slotCount)-region.SectorSize)
	if err := d.rgn.ReadAt(buf, region.SectorSize); err != nil {
		return scanResult{}, err
	}
	scan := scanResult{entries: make(map[string]indexEntry)}
	for slot := 0; slot < d.slotCount; slot++ {
		sector := buf[slot*region.SectorSize : (slot+1)*region.SectorSize]
		rec, state := decodeRecord(sector)
		switch state {
		case recordFree:
			scan.free = append(scan.free, slot)
		case recordCorrupt:
			scan.reclaim = append(scan.reclaim, slot)
		case recordUsed:
			if rec.sequence > scan.maxSeq {
				scan.maxSeq = rec.sequence
			}
			prev, dup := scan.entries[rec.name]
			switch {
			case !dup:
				scan.entries[rec.name] = indexEntry{slot: slot, sequence: rec.sequence}
			case rec.sequence > prev.sequence:
				scan.entries[rec.name] = indexEntry{slot: slot, sequence: rec.sequence}
				scan.reclaim = append(scan.reclaim, prev.slot)
			default:
				scan.reclaim = append(scan.reclaim, slot)
			}
		}
	}
	return scan, nil
}

func (d *Directory) adoptScan(scan scanResult) {
	d.mu.Lock()
	d.index = make(map[string]indexEntry, len(scan.entries))
	for name, entry := range scan.entries {
		d.index[name] = entry
	}
	d.mu.Unlock()
}

func (d *Directory) readRecord(slot int) (record, recordState, error) {
	if slot < 0 || slot >= d.slotCount {
		return record{}, recordFree, fmt.Errorf("xleases: slot %d out of range", slot)
	}
	sector := make([]byte, region.SectorSize)
	if err := d.rgn.ReadAt(sector, int64(1+slot)*region.SectorSize); err != nil {
		return record{}, recordFree, err
	}
	rec, state := decodeRecord(sector)
	return rec, state, nil
}

// writeRecord persists one record sector; nil rec zeroes the slot.
func (d *Directory) writeRecord(slot int, rec *record) error {
	sector := make([]byte, region.SectorSize)
	if rec != nil {
		encodeRecord(sector, *rec)
	}
	return d.rgn.WriteAt(sector, int64(1+slot)*region.SectorSize)
}
