package domaind

import (
	"context"
	"encoding/json"
	"fmt"

	"pkt.systems/domaind/internal/clock"
	"pkt.systems/domaind/internal/logutil"
	"pkt.systems/domaind/internal/mailbox"
	"pkt.systems/domaind/internal/region"
	"pkt.systems/pslog"
)

// Client posts mailbox commands to a domain's privileged host without
// running a full engine. Tooling uses it to talk to an already running
// daemon through the shared mailslot region.
type Client struct {
	reg    region.Region
	sender *mailbox.Sender
}

// NewClient opens the domain's mailslot region for cfg.HostID.
func NewClient(cfg Config, logger pslog.Logger) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	geo := cfg.mailboxGeometry()
	reg, err := region.OpenFile(cfg.MailboxPath, geo.RegionSize())
	if err != nil {
		return nil, fmt.Errorf("domaind: open mailslot region: %w", err)
	}
	sender, err := mailbox.NewSender(mailbox.SenderConfig{
		Region:       reg,
		Geometry:     geo,
		HostID:       cfg.HostID,
		PollInterval: cfg.MailboxPollInterval,
		WatchPath:    cfg.MailboxPath,
		Logger:       logutil.Ensure(logger),
		Clock:        clock.Real{},
	})
	if err != nil {
		reg.Close()
		return nil, err
	}
	return &Client{reg: reg, sender: sender}, nil
}

// Call posts a command and waits for the privileged host's reply, decoding
// it into out when out is non-nil.
func (c *Client) Call(ctx context.Context, command uint16, req, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("domaind: encode command %d: %w", command, err)
	}
	ticket, err := c.sender.Post(ctx, command, payload)
	if err != nil {
		return err
	}
	reply, err := c.sender.WaitReply(ctx, ticket)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(reply, out); err != nil {
		return fmt.Errorf("domaind: decode reply for command %d: %w", command, err)
	}
	return nil
}

// Close releases the region handle and the mailbox watcher.
func (c *Client) Close() error {
	err := c.sender.Close()
	if cerr := c.reg.Close(); err == nil {
		err = cerr
	}
	return err
}
