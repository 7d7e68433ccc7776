// Package logsink is a development channel: reminders are written to the log
// instead of leaving the process.
package logsink

import (
	"context"
	"strconv"
	"sync/atomic"

	kit "medremind/internal/transport"
	logx "medremind/pkg/logx"
)

type Channel struct {
	log logx.Logger
	seq atomic.Uint64
}

func New(log logx.Logger) *Channel {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{log: log}
}

func (c *Channel) Name() string { return "log" }

func (c *Channel) Send(ctx context.Context, contact string, msg kit.Message) (kit.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return kit.Receipt{}, err
	}
	id := strconv.FormatUint(c.seq.Add(1), 10)
	c.log.Info("reminder",
		logx.String("to", kit.MaskContact(contact)),
		logx.String("job_id", msg.JobID),
		logx.String("text", msg.Text),
		logx.String("receipt", id),
	)
	return kit.Receipt{Channel: c.Name(), ID: id}, nil
}
