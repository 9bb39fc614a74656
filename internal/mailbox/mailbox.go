// Package mailbox relays commands between hosts over a shared storage
// region when no network path between them is assumed. Each host owns a
// ring of fixed single-sector message frames; the privileged host polls all
// rings, executes commands, and stores results in a mirror ring of reply
// frames. A slot is reclaimed only after the sender has read the reply and
// zeroed both frames, so slot scarcity is the backpressure mechanism.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/domaind/internal/clock"
	"pkt.systems/domaind/internal/logutil"
	"pkt.systems/domaind/internal/region"
	"pkt.systems/pslog"
)

var (
	// ErrMailboxFull indicates every slot in the sender's ring still held
	// an unacknowledged message when the posting deadline expired.
	ErrMailboxFull = errors.New("mailbox: all slots occupied")
	// ErrBadGeometry indicates the region is too small for the configured
	// host and slot counts.
	ErrBadGeometry = errors.New("mailbox: region smaller than configured geometry")
	// ErrPayloadTooLarge indicates a payload that does not fit one frame.
	ErrPayloadTooLarge = errors.New("mailbox: payload too large")
)

const (
	// DefaultSlotsPerHost bounds outstanding messages per host.
	DefaultSlotsPerHost = 8
	// DefaultPollInterval paces reply and inbox polling when no file
	// watch is available.
	DefaultPollInterval = 50 * time.Millisecond

	postBackoffFloor = 10 * time.Millisecond
	postBackoffCeil  = 500 * time.Millisecond
)

// Geometry fixes the layout of the mailslot region: a message area of
// hosts*slots frames followed by a reply area of identical shape.
type Geometry struct {
	Hosts        int
	SlotsPerHost int
}

func (g Geometry) withDefaults() Geometry {
	if g.SlotsPerHost <= 0 {
		g.SlotsPerHost = DefaultSlotsPerHost
	}
	return g
}

// RegionSize returns the number of bytes the geometry occupies.
func (g Geometry) RegionSize() int64 {
	g = g.withDefaults()
	return 2 * int64(g.Hosts) * int64(g.SlotsPerHost) * FrameSize
}

func (g Geometry) messageOffset(host, slot int) int64 {
	return (int64(host)*int64(g.SlotsPerHost) + int64(slot)) * FrameSize
}

func (g Geometry) replyOffset(host, slot int) int64 {
	return int64(g.Hosts)*int64(g.SlotsPerHost)*FrameSize + g.messageOffset(host, slot)
}

// Ticket identifies an in-flight message for reply polling. ID is a
// correlation id for logs only; delivery is keyed on (host, slot, seq).
type Ticket struct {
	ID   string
	Host int
	Slot int
	Seq  uint64
}

// Sender posts commands from one host's ring and collects replies. It is
// safe for concurrent use; mu serializes slot claims so two posts never
// write the same frame or reuse a sequence number.
type Sender struct {
	geo    Geometry
	hostID int
	reg    region.Region
	clock  clock.Clock
	logger pslog.Logger
	wake   *regionWatch

	interval time.Duration

	mu      sync.Mutex
	nextSeq uint64
}

// SenderConfig wires a Sender. Region and Hosts are required; WatchPath
// enables fsnotify wakeups when the region is a plain file.
type SenderConfig struct {
	Region       region.Region
	Geometry     Geometry
	HostID       int
	PollInterval time.Duration
	WatchPath    string
	Logger       pslog.Logger
	Clock        clock.Clock
}

// NewSender validates the geometry and scans the host's ring so sequence
// numbers keep ascending across process restarts.
func NewSender(cfg SenderConfig) (*Sender, error) {
	geo := cfg.Geometry.withDefaults()
	if cfg.HostID < 0 || cfg.HostID >= geo.Hosts {
		return nil, fmt.Errorf("mailbox: host id %d outside [0,%d)", cfg.HostID, geo.Hosts)
	}
	if cfg.Region.Size() < geo.RegionSize() {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrBadGeometry, geo.RegionSize(), cfg.Region.Size())
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	s := &Sender{
		geo:      geo,
		hostID:   cfg.HostID,
		reg:      cfg.Region,
		clock:    cfg.Clock,
		logger:   logutil.WithSubsystem(cfg.Logger, "mailbox", "sender"),
		interval: cfg.PollInterval,
	}
	maxSeq, err := s.scanMaxSeq()
	if err != nil {
		return nil, err
	}
	s.nextSeq = maxSeq + 1
	if cfg.WatchPath != "" {
		s.wake = newRegionWatch(cfg.WatchPath, s.logger)
	}
	return s, nil
}

// scanMaxSeq reads both rings of this host so a restarted sender never
// reissues a sequence number a receiver may remember.
func (s *Sender) scanMaxSeq() (uint64, error) {
	var max uint64
	buf := make([]byte, FrameSize)
	for slot := 0; slot < s.geo.SlotsPerHost; slot++ {
		for _, off := range []int64{s.geo.messageOffset(s.hostID, slot), s.geo.replyOffset(s.hostID, slot)} {
			if err := s.reg.ReadAt(buf, off); err != nil {
				return 0, err
			}
			if f, ok, _ := decodeFrame(buf); ok && f.seq > max {
				max = f.seq
			}
		}
	}
	return max, nil
}

// Post writes command and payload into the first free slot of this host's
// ring. While every slot holds an unacknowledged message it retries with
// doubling backoff; when ctx expires first the result is ErrMailboxFull.
func (s *Sender) Post(ctx context.Context, command uint16, payload []byte) (Ticket, error) {
	if len(payload) > MaxPayload {
		return Ticket{}, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}
	backoff := postBackoffFloor
	for {
		t, claimed, err := s.claimSlot(command, payload)
		if err != nil {
			return Ticket{}, err
		}
		if claimed {
			s.logger.Debug("mailbox.posted", "ticket", t.ID, "slot", t.Slot, "seq", t.Seq, "command", command)
			return t, nil
		}
		select {
		case <-ctx.Done():
			return Ticket{}, fmt.Errorf("%w: host %d", ErrMailboxFull, s.hostID)
		case <-s.clock.After(backoff):
		}
		if backoff *= 2; backoff > postBackoffCeil {
			backoff = postBackoffCeil
		}
	}
}

// claimSlot finds a free slot and writes the message frame into it under
// the sender mutex so concurrent posts get distinct slots and sequence
// numbers. claimed is false when every slot is occupied.
func (s *Sender) claimSlot(command uint16, payload []byte) (t Ticket, claimed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, err := s.freeSlot()
	if err != nil || slot < 0 {
		return Ticket{}, false, err
	}
	seq := s.nextSeq
	s.nextSeq++
	buf := encodeFrame(frame{seq: seq, command: command, payload: payload})
	if err := s.reg.WriteAt(buf, s.geo.messageOffset(s.hostID, slot)); err != nil {
		return Ticket{}, false, fmt.Errorf("mailbox: post: %w", err)
	}
	return Ticket{ID: xid.New().String(), Host: s.hostID, Slot: slot, Seq: seq}, true, nil
}

// freeSlot returns the first slot with both frames clear, or -1.
func (s *Sender) freeSlot() (int, error) {
	buf := make([]byte, FrameSize)
	for slot := 0; slot < s.geo.SlotsPerHost; slot++ {
		if err := s.reg.ReadAt(buf, s.geo.messageOffset(s.hostID, slot)); err != nil {
			return -1, err
		}
		if !allZero(buf) {
			continue
		}
		if err := s.reg.ReadAt(buf, s.geo.replyOffset(s.hostID, slot)); err != nil {
			return -1, err
		}
		if allZero(buf) {
			return slot, nil
		}
	}
	return -1, nil
}

// WaitReply polls the ticket's reply frame until the receiver stores a
// reply for the ticket's sequence, then acknowledges by zeroing both frames
// so the slot becomes reusable. A corrupt reply frame counts as no reply.
func (s *Sender) WaitReply(ctx context.Context, t Ticket) ([]byte, error) {
	buf := make([]byte, FrameSize)
	for {
		if err := s.reg.ReadAt(buf, s.geo.replyOffset(t.Host, t.Slot)); err != nil {
			return nil, err
		}
		if f, ok, _ := decodeFrame(buf); ok && f.seq == t.Seq {
			if err := s.acknowledge(t); err != nil {
				return nil, err
			}
			s.logger.Debug("mailbox.reply", "ticket", t.ID, "seq", t.Seq)
			return f.payload, nil
		}
		if err := s.sleep(ctx); err != nil {
			return nil, err
		}
	}
}

func (s *Sender) acknowledge(t Ticket) error {
	zero := make([]byte, FrameSize)
	if err := s.reg.WriteAt(zero, s.geo.messageOffset(t.Host, t.Slot)); err != nil {
		return fmt.Errorf("mailbox: ack message: %w", err)
	}
	if err := s.reg.WriteAt(zero, s.geo.replyOffset(t.Host, t.Slot)); err != nil {
		return fmt.Errorf("mailbox: ack reply: %w", err)
	}
	return nil
}

func (s *Sender) sleep(ctx context.Context) error {
	var wake <-chan struct{}
	if s.wake != nil {
		wake = s.wake.C()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(s.interval):
		return nil
	case <-wake:
		return nil
	}
}

// Close releases the file watch, if any.
func (s *Sender) Close() error {
	if s.wake != nil {
		return s.wake.Close()
	}
	return nil
}
