package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/routinely/routinely/internal/agent"
	"github.com/routinely/routinely/internal/channel"
	"github.com/routinely/routinely/internal/pkg/logs"
	"github.com/routinely/routinely/internal/pkg/metrics"
	"github.com/routinely/routinely/internal/sessionctx"
	"github.com/routinely/routinely/internal/store"
)

var recipientRe = regexp.MustCompile(`^@([^\s:]+)\s*:`)

// ExtractRecipient returns the delivery destination when the prompt opens
// with an "@recipient:" marker, or "" when it carries none. The marker stays
// in the prompt; the agent sees the text unmodified.
func ExtractRecipient(prompt string) string {
	m := recipientRe.FindStringSubmatch(strings.TrimSpace(prompt))
	if m == nil {
		return ""
	}
	return m[1]
}

// dispatch executes one firing: establish the job's session, splice recent
// conversation into the prompt when requested, run the agent, and hand the
// response to the channel handler. A missing handler is not an error; the
// run is recorded and delivery is skipped.
func (r *Runtime) dispatch(ctx context.Context, job store.Job) store.RunResult {
	start := time.Now()
	res := store.RunResult{Meta: map[string]string{"channel": job.Channel}}
	if job.Recipient != "" {
		res.Meta["recipient"] = job.Recipient
	}

	err := sessionctx.RunWith(ctx, job.SessionID, func(ctx context.Context) error {
		prompt := job.Prompt
		var history []agent.Message
		if job.ContextMessages > 0 {
			var err error
			history, err = r.store.RecentMessages(ctx, job.SessionID, job.ContextMessages)
			if err != nil {
				return fmt.Errorf("load context messages: %w", err)
			}
			prompt = splicePrompt(history, prompt)
		}

		resp, err := r.agent.Execute(ctx, agent.Request{
			Prompt:    prompt,
			SessionID: job.SessionID,
			Context:   history,
		})
		if err != nil {
			return fmt.Errorf("agent execute: %w", err)
		}

		h, ok := r.handlers.Get(job.Channel)
		if !ok {
			logs.CtxDebug(ctx, "[scheduler] no handler for channel %q, delivery skipped", job.Channel)
			return nil
		}
		if err := h.Deliver(ctx, channel.Delivery{
			JobName:   job.Name,
			Prompt:    job.Prompt,
			Response:  resp.Text,
			SessionID: job.SessionID,
			Recipient: job.Recipient,
		}); err != nil {
			return fmt.Errorf("deliver to %s: %w", job.Channel, err)
		}
		return nil
	})

	res.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Status = store.StatusError
		res.Error = err.Error()
		logs.CtxWarn(ctx, "[scheduler] job %q failed after %dms: %v", job.Name, res.DurationMS, err)
	} else {
		res.Status = store.StatusOK
		logs.CtxInfo(ctx, "[scheduler] job %q completed in %dms", job.Name, res.DurationMS)
	}
	metrics.JobRuns.WithLabelValues(res.Status).Inc()
	return res
}

// splicePrompt prefixes the prompt with recent conversation, oldest first.
func splicePrompt(history []agent.Message, prompt string) string {
	if len(history) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(prompt)
	return b.String()
}
