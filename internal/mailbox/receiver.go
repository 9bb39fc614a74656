package mailbox

import (
	"context"
	"fmt"

	"pkt.systems/domaind/internal/logutil"
	"pkt.systems/domaind/internal/region"
	"pkt.systems/pslog"
)

// Message is one pending command read from a sender's ring.
type Message struct {
	Host    int
	Slot    int
	Seq     uint64
	Command uint16
	Payload []byte
}

// Receiver is the privileged host's side of the relay. Its processed-set is
// the reply area itself: a slot whose reply frame carries the message's
// sequence has been executed, so a receiver restarted after executing but
// before the sender's ack replays the stored reply instead of re-running
// the command.
type Receiver struct {
	geo    Geometry
	reg    region.Region
	logger pslog.Logger
}

// ReceiverConfig wires a Receiver.
type ReceiverConfig struct {
	Region   region.Region
	Geometry Geometry
	Logger   pslog.Logger
}

// NewReceiver validates the geometry against the region.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	geo := cfg.Geometry.withDefaults()
	if cfg.Region.Size() < geo.RegionSize() {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrBadGeometry, geo.RegionSize(), cfg.Region.Size())
	}
	return &Receiver{
		geo:    geo,
		reg:    cfg.Region,
		logger: logutil.WithSubsystem(cfg.Logger, "mailbox", "receiver"),
	}, nil
}

// Poll scans every host ring and returns the messages that still lack a
// stored reply. Corrupt message frames are logged and treated as empty.
func (r *Receiver) Poll(ctx context.Context) ([]Message, error) {
	var out []Message
	msgBuf := make([]byte, FrameSize)
	repBuf := make([]byte, FrameSize)
	for host := 0; host < r.geo.Hosts; host++ {
		for slot := 0; slot < r.geo.SlotsPerHost; slot++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := r.reg.ReadAt(msgBuf, r.geo.messageOffset(host, slot)); err != nil {
				return nil, err
			}
			msg, ok, corrupt := decodeFrame(msgBuf)
			if corrupt {
				r.logger.Warn("mailbox.frame_corrupt", "host", host, "slot", slot)
			}
			if !ok {
				continue
			}
			if err := r.reg.ReadAt(repBuf, r.geo.replyOffset(host, slot)); err != nil {
				return nil, err
			}
			if rep, repOK, _ := decodeFrame(repBuf); repOK && rep.seq == msg.seq {
				// Already executed; the sender has not acked yet.
				continue
			}
			out = append(out, Message{
				Host:    host,
				Slot:    slot,
				Seq:     msg.seq,
				Command: msg.command,
				Payload: msg.payload,
			})
		}
	}
	return out, nil
}

// Reply durably stores the result for msg. Once this write completes the
// message counts as processed even across a receiver restart.
func (r *Receiver) Reply(ctx context.Context, msg Message, result []byte) error {
	if len(result) > MaxPayload {
		return fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(result), MaxPayload)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := encodeFrame(frame{seq: msg.Seq, command: msg.Command, payload: result})
	if err := r.reg.WriteAt(buf, r.geo.replyOffset(msg.Host, msg.Slot)); err != nil {
		return fmt.Errorf("mailbox: reply host %d slot %d: %w", msg.Host, msg.Slot, err)
	}
	r.logger.Debug("mailbox.replied", "host", msg.Host, "slot", msg.Slot, "seq", msg.Seq)
	return nil
}
