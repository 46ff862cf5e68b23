package conversation

import (
	"sort"
	"time"

	"chillspace/pkg/models"
	"chillspace/pkg/remote"
)

// Change is one message-level update fed to Reduce.
type Change struct {
	Type    remote.EventType
	Message models.Message
}

// Reduce applies c to list and returns the resulting list. list must be in
// send-time order and the result is too. list is never modified.
//
// An upsert replaces the entry with the same id in place. Otherwise it
// takes over the optimistic entry it acknowledges: the one with the same
// client_id, or failing that the closest optimistic entry by the same
// author with the same content inside window. Anything else is merged at
// its send-time position.
func Reduce(list []models.Message, c Change, window time.Duration) []models.Message {
	if c.Type == remote.EventDelete {
		i := indexOf(list, c.Message.ID)
		if i < 0 {
			return list
		}
		return removeAt(list, i)
	}

	m := c.Message.Clone()
	m.Delivery = models.DeliveryCommitted
	m.DeliveryErr = ""
	out := list

	if j := matchOptimistic(out, m, window); j >= 0 {
		if m.Reactions == nil {
			m.Reactions = models.CloneReactions(out[j].Reactions)
		}
		out = removeAt(out, j)
	}
	if i := indexOf(out, m.ID); i >= 0 {
		if m.Reactions == nil {
			m.Reactions = models.CloneReactions(out[i].Reactions)
		}
		if m.AuthorRole == "" {
			m.AuthorRole = out[i].AuthorRole
		}
		if out[i].SentAt.Equal(m.SentAt) {
			next := make([]models.Message, len(out))
			copy(next, out)
			next[i] = m
			return next
		}
		out = removeAt(out, i)
	}
	return insertOrdered(out, m)
}

// matchOptimistic finds the local entry that m acknowledges, or -1.
func matchOptimistic(list []models.Message, m models.Message, window time.Duration) int {
	if m.Optimistic() {
		return -1
	}
	if m.ClientID != "" {
		for i, e := range list {
			if e.Optimistic() && e.ClientID == m.ClientID {
				return i
			}
		}
		return -1
	}
	best, bestGap := -1, time.Duration(0)
	for i, e := range list {
		if !e.Optimistic() || e.AuthorID != m.AuthorID || e.Content != m.Content {
			continue
		}
		gap := e.SentAt.Sub(m.SentAt)
		if gap < 0 {
			gap = -gap
		}
		if gap > window {
			continue
		}
		if best < 0 || gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best
}

func indexOf(list []models.Message, id string) int {
	if id == "" {
		return -1
	}
	for i, e := range list {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func indexOfClient(list []models.Message, clientID string) int {
	for i, e := range list {
		if e.ClientID == clientID && e.Optimistic() {
			return i
		}
	}
	return -1
}

func removeAt(list []models.Message, i int) []models.Message {
	out := make([]models.Message, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...)
}

func insertOrdered(list []models.Message, m models.Message) []models.Message {
	i := sort.Search(len(list), func(k int) bool { return m.Before(list[k]) })
	out := make([]models.Message, 0, len(list)+1)
	out = append(out, list[:i]...)
	out = append(out, m)
	return append(out, list[i:]...)
}

func replaceAt(list []models.Message, i int, m models.Message) []models.Message {
	out := make([]models.Message, len(list))
	copy(out, list)
	out[i] = m
	return out
}

// sortMessages orders a freshly loaded history.
func sortMessages(list []models.Message) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Before(list[j]) })
}
