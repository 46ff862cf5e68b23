package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"chillspace/pkg/conversation"
	"chillspace/pkg/models"
)

type shownMessage struct {
	content   string
	delivery  models.Delivery
	reactions string
	pinned    bool
}

// printer turns conversation snapshots into an append-only transcript:
// new messages are printed once, later changes as short notices.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	name    func(userID string) string
	version uint64
	lastErr string
	shown   map[string]shownMessage
}

func newPrinter(out io.Writer, name func(string) string) *printer {
	return &printer{out: out, name: name, shown: map[string]shownMessage{}}
}

func (p *printer) linef(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

// messageKey survives the swap from a local id to the stored one.
func messageKey(m models.Message) string {
	if m.ClientID != "" {
		return m.ClientID
	}
	return m.ID
}

func shortID(m models.Message) string {
	id := m.ID
	if m.Optimistic() && m.ClientID != "" {
		id = m.ClientID
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func reactionSummary(rs []models.Reaction) string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		if r.Count() > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", r.Emoji, r.Count()))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "  ")
}

func (p *printer) author(m models.Message) string {
	if m.Username != "" {
		return m.Username
	}
	return p.name(m.AuthorID)
}

func (p *printer) format(m models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s (%s): ", m.SentAt.Local().Format("15:04"), p.author(m), shortID(m))
	if m.ReplyToID != "" {
		fmt.Fprintf(&b, "(reply to %s) ", shortID(models.Message{ID: m.ReplyToID}))
	}
	b.WriteString(m.Content)
	if m.EditedAt != nil {
		b.WriteString(" (edited)")
	}
	if m.Delivery == models.DeliveryPending {
		b.WriteString(" (sending)")
	}
	return b.String()
}

func (p *printer) failed(m models.Message) string {
	return fmt.Sprintf("! not sent (%s): %s; /retry %s or /discard %s", shortID(m), m.DeliveryErr, shortID(m), shortID(m))
}

// snapshot prints what changed since the last synced snapshot. Snapshots
// older than one already printed are dropped.
func (p *printer) snapshot(s conversation.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.Version < p.version {
		return
	}
	p.version = s.Version

	if s.State == conversation.StateError && s.Err != nil {
		if msg := s.Err.Error(); msg != p.lastErr {
			p.lastErr = msg
			fmt.Fprintf(p.out, "! %s\n", msg)
		}
		return
	}
	if s.State != conversation.StateSynced {
		return
	}
	p.lastErr = ""

	present := make(map[string]bool, len(s.Messages))
	for _, m := range s.Messages {
		k := messageKey(m)
		present[k] = true
		now := shownMessage{content: m.Content, delivery: m.Delivery, reactions: reactionSummary(m.Reactions), pinned: m.Pinned}
		prev, seen := p.shown[k]
		p.shown[k] = now
		if !seen {
			fmt.Fprintln(p.out, p.format(m))
			if m.Delivery == models.DeliveryFailed {
				fmt.Fprintln(p.out, p.failed(m))
			}
			continue
		}
		if prev.content != now.content {
			fmt.Fprintf(p.out, "~ %s edited: %s\n", shortID(m), m.Content)
		}
		if prev.delivery != now.delivery && now.delivery == models.DeliveryFailed {
			fmt.Fprintln(p.out, p.failed(m))
		}
		if prev.reactions != now.reactions {
			if now.reactions == "" {
				fmt.Fprintf(p.out, "  %s reactions cleared\n", shortID(m))
			} else {
				fmt.Fprintf(p.out, "  %s reactions: %s\n", shortID(m), now.reactions)
			}
		}
		if prev.pinned != now.pinned {
			if now.pinned {
				fmt.Fprintf(p.out, "* %s pinned\n", shortID(m))
			} else {
				fmt.Fprintf(p.out, "* %s unpinned\n", shortID(m))
			}
		}
	}
	var gone []string
	for k := range p.shown {
		if !present[k] {
			gone = append(gone, k)
		}
	}
	sort.Strings(gone)
	for _, k := range gone {
		delete(p.shown, k)
		id := k
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(p.out, "- %s removed\n", id)
	}
}
