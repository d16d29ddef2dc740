package delivery

import (
	"context"
	"fmt"
	"html"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"groupcast/internal/domain"
	"groupcast/internal/gateway"
	"groupcast/internal/metrics"
)

// Deliverer performs one delivery attempt for a task.
type Deliverer struct {
	gw      gateway.Gateway
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func New(gw gateway.Gateway, m *metrics.Metrics, log zerolog.Logger) *Deliverer {
	return &Deliverer{gw: gw, metrics: m, log: log}
}

// Deliver resolves the task's group and sends its payload. When mention is
// set and the group resolved, the member mention is attempted as well and
// mentioned reports true; its failure is logged and never returned.
func (d *Deliverer) Deliver(ctx context.Context, t domain.Task, mention bool) (mentioned bool, err error) {
	chat, err := d.gw.ResolveGroup(ctx, t.Group)
	if err != nil {
		return false, fmt.Errorf("resolve group %q: %w", t.Group, err)
	}

	if t.ImagePath != "" {
		if _, err := os.Stat(t.ImagePath); err != nil {
			return false, fmt.Errorf("%w: image %s: %v", domain.ErrDelivery, t.ImagePath, err)
		}
	}
	sendErr := d.gw.SendPayload(ctx, chat, t.ImagePath, t.Text)
	if sendErr != nil {
		sendErr = fmt.Errorf("send to %q: %w", t.Group, sendErr)
	}

	if mention {
		d.mentionMembers(ctx, t, chat)
	}
	return mention, sendErr
}

func (d *Deliverer) mentionMembers(ctx context.Context, t domain.Task, chat gateway.Chat) {
	members, err := d.gw.ListMembers(ctx, chat)
	if err != nil {
		d.metrics.ObserveMention(false)
		d.log.Warn().Err(err).Str("task_id", t.ID).Str("group", t.Group).Msg("list members failed")
		return
	}
	text := MentionText(members)
	if text == "" {
		return
	}
	if err := d.gw.SendText(ctx, chat, text, true); err != nil {
		d.metrics.ObserveMention(false)
		d.log.Warn().Err(err).Str("task_id", t.ID).Str("group", t.Group).Msg("mention failed")
		return
	}
	d.metrics.ObserveMention(true)
	d.log.Debug().Str("task_id", t.ID).Int("members", len(members)).Msg("members mentioned")
}

// MentionText renders members as an HTML mention line: @username when the
// member has one, otherwise a tg://user link labelled with the display name.
func MentionText(members []gateway.Member) string {
	parts := make([]string, 0, len(members))
	for _, m := range members {
		if m.Username != "" {
			parts = append(parts, "@"+html.EscapeString(m.Username))
			continue
		}
		name := strings.TrimSpace(m.DisplayName)
		if name == "" {
			name = fmt.Sprintf("user %d", m.ID)
		}
		parts = append(parts, fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, m.ID, html.EscapeString(name)))
	}
	return strings.Join(parts, " ")
}
