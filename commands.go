package domaind

import (
	"context"
	"encoding/json"
	"fmt"

	"pkt.systems/domaind/internal/jobs"
	"pkt.systems/domaind/internal/mailbox"
)

// Mailbox command codes. Unprivileged hosts post these through the shared
// mailslot region; the privileged host executes them and stores the reply.
const (
	CmdPing        uint16 = 1
	CmdSubmitJob   uint16 = 2
	CmdJobStatus   uint16 = 3
	CmdAbortJob    uint16 = 4
	CmdClearJob    uint16 = 5
	CmdListJobs    uint16 = 6
	CmdAddLease    uint16 = 7
	CmdRemoveLease uint16 = 8
	CmdLookupLease uint16 = 9
)

// JobRequest is the payload of CmdSubmitJob.
type JobRequest struct {
	Type   jobs.Type   `json:"type"`
	Params jobs.Params `json:"params"`
}

// JobReference addresses an existing job for status, abort and clear.
type JobReference struct {
	ID string `json:"id"`
}

// JobReply is returned for submit, status, abort and clear commands.
type JobReply struct {
	ID         string     `json:"id,omitempty"`
	State      jobs.State `json:"state,omitempty"`
	FailedStep string     `json:"failed_step,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// JobListReply is returned for CmdListJobs.
type JobListReply struct {
	Jobs  []JobReply `json:"jobs,omitempty"`
	Error string     `json:"error,omitempty"`
}

// LeaseRequest is the payload of the lease commands.
type LeaseRequest struct {
	Name string `json:"name"`
}

// LeaseReply is returned for the lease commands.
type LeaseReply struct {
	Name   string `json:"name,omitempty"`
	Offset int64  `json:"offset,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Call posts a command to the privileged host and waits for its reply,
// decoding it into out when out is non-nil. Retrying a Call whose context
// expired is safe; replies for abandoned tickets are reclaimed when the
// slot is reused.
func (e *Engine) Call(ctx context.Context, command uint16, req, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("domaind: encode command %d: %w", command, err)
	}
	ticket, err := e.sender.Post(ctx, command, payload)
	if err != nil {
		return err
	}
	reply, err := e.sender.WaitReply(ctx, ticket)
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

// pollMailbox runs on the privileged host. Every stored reply doubles as
// the processed-set marker, so a command is executed at most once even
// across receiver restarts.
func (e *Engine) pollMailbox() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.LockTimeout)
	defer cancel()
	msgs, err := e.receiver.Poll(ctx)
	if err != nil {
		e.logger.Warn("engine.mailbox_poll_failed", "error", err)
		return
	}
	for _, msg := range msgs {
		result := e.execCommand(ctx, msg)
		if err := e.receiver.Reply(ctx, msg, result); err != nil {
			e.logger.Error("engine.mailbox_reply_failed",
				"host", msg.Host, "slot", msg.Slot, "seq", msg.Seq, "error", err)
		}
	}
}

func (e *Engine) execCommand(ctx context.Context, msg mailbox.Message) []byte {
	switch msg.Command {
	case CmdPing:
		return msg.Payload
	case CmdSubmitJob:
		var req JobRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return marshalReply(JobReply{Error: err.Error()})
		}
		id, err := e.jobEngine.Submit(ctx, req.Type, req.Params)
		if err != nil {
			return marshalReply(JobReply{Error: err.Error()})
		}
		return marshalReply(JobReply{ID: id, State: jobs.StatePending})
	case CmdJobStatus:
		var ref JobReference
		if err := json.Unmarshal(msg.Payload, &ref); err != nil {
			return marshalReply(JobReply{Error: err.Error()})
		}
		st, err := e.jobEngine.Status(ref.ID)
		if err != nil {
			return marshalReply(JobReply{Error: err.Error()})
		}
		return marshalReply(JobReply{ID: st.ID, State: st.State, FailedStep: st.FailedStep, Detail: st.Error})
	case CmdAbortJob:
		var ref JobReference
		if err := json.Unmarshal(msg.Payload, &ref); err != nil {
			return marshalReply(JobReply{Error: err.Error()})
		}
		if err := e.jobEngine.Abort(ref.ID); err != nil {
			return marshalReply(JobReply{Error: err.Error()})
		}
		return marshalReply(JobReply{ID: ref.ID})
	case CmdClearJob:
		var ref JobReference
		if err := json.Unmarshal(msg.Payload, &ref); err != nil {
			return marshalReply(JobReply{Error: err.Error()})
		}
		if err := e.jobEngine.Clear(ctx, ref.ID); err != nil {
			return marshalReply(JobReply{Error: err.Error()})
		}
		return marshalReply(JobReply{ID: ref.ID})
	case CmdListJobs:
		var reply JobListReply
		for _, st := range e.jobEngine.Jobs() {
			reply.Jobs = append(reply.Jobs, JobReply{ID: st.ID, State: st.State})
		}
		return capListReply(reply)
	case CmdAddLease:
		var req LeaseRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return marshalReply(LeaseReply{Error: err.Error()})
		}
		slot, err := e.directory.Add(ctx, req.Name)
		if err != nil {
			return marshalReply(LeaseReply{Error: err.Error()})
		}
		return marshalReply(LeaseReply{Name: slot.Name, Offset: slot.Offset})
	case CmdRemoveLease:
		var req LeaseRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return marshalReply(LeaseReply{Error: err.Error()})
		}
		if err := e.directory.Remove(ctx, req.Name); err != nil {
			return marshalReply(LeaseReply{Error: err.Error()})
		}
		return marshalReply(LeaseReply{Name: req.Name})
	case CmdLookupLease:
		var req LeaseRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return marshalReply(LeaseReply{Error: err.Error()})
		}
		slot, err := e.directory.Lookup(req.Name)
		if err != nil {
			return marshalReply(LeaseReply{Error: err.Error()})
		}
		return marshalReply(LeaseReply{Name: slot.Name, Offset: slot.Offset})
	default:
		return marshalReply(JobReply{Error: fmt.Sprintf("unknown command %d", msg.Command)})
	}
}

func marshalReply(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"encode reply"}`)
	}
	return out
}

// capListReply trims job listings that would overflow a reply frame.
// Callers needing the full inventory query jobs individually.
func capListReply(reply JobListReply) []byte {
	for {
		out := marshalReply(reply)
		if len(out) <= mailbox.MaxPayload || len(reply.Jobs) == 0 {
			return out
		}
		reply.Jobs = reply.Jobs[:len(reply.Jobs)-1]
	}
}
