package models

import (
	"slices"
	"sort"
	"strings"
	"unicode"

	"github.com/forPelevin/gomoji"
)

// Reaction groups the users that reacted to an entity with one emoji.
type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"user_ids"`
}

func (r Reaction) Count() int { return len(r.UserIDs) }

// ReactionRow is a row of message_reactions or file_reactions.
type ReactionRow struct {
	ID        string `json:"id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	FileID    string `json:"file_id,omitempty"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// GroupReactions folds rows into canonical reaction groups: sorted by
// emoji, user ids sorted and deduplicated.
func GroupReactions(rows []ReactionRow) []Reaction {
	byEmoji := map[string][]string{}
	for _, r := range rows {
		if r.Emoji == "" || r.UserID == "" {
			continue
		}
		byEmoji[r.Emoji] = append(byEmoji[r.Emoji], r.UserID)
	}
	var out []Reaction
	for emoji, users := range byEmoji {
		out = append(out, Reaction{Emoji: emoji, UserIDs: users})
	}
	return NormalizeReactions(out)
}

// NormalizeReactions returns the canonical form of rs. Empty groups are
// dropped and an empty result is nil, so toggling the same reaction twice
// gives back a value equal to the original.
func NormalizeReactions(rs []Reaction) []Reaction {
	merged := map[string]map[string]struct{}{}
	for _, r := range rs {
		if r.Emoji == "" {
			continue
		}
		set, ok := merged[r.Emoji]
		if !ok {
			set = map[string]struct{}{}
			merged[r.Emoji] = set
		}
		for _, u := range r.UserIDs {
			if u != "" {
				set[u] = struct{}{}
			}
		}
	}
	var out []Reaction
	for emoji, set := range merged {
		if len(set) == 0 {
			continue
		}
		users := make([]string, 0, len(set))
		for u := range set {
			users = append(users, u)
		}
		sort.Strings(users)
		out = append(out, Reaction{Emoji: emoji, UserIDs: users})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Emoji < out[j].Emoji })
	return out
}

// IsEmoji reports whether s is usable as a reaction: at least one emoji
// and no letters.
func IsEmoji(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || !gomoji.ContainsEmoji(s) {
		return false
	}
	return strings.IndexFunc(s, unicode.IsLetter) < 0
}

// HasReacted reports whether userID is in the emoji group.
func HasReacted(rs []Reaction, userID, emoji string) bool {
	for _, r := range rs {
		if r.Emoji == emoji {
			return slices.Contains(r.UserIDs, userID)
		}
	}
	return false
}

// ToggleReaction adds userID to the emoji group, or removes it if already
// present. The input is not modified and the result is canonical.
func ToggleReaction(rs []Reaction, userID, emoji string) []Reaction {
	rs = NormalizeReactions(rs)
	out := make([]Reaction, 0, len(rs)+1)
	found := false
	for _, r := range rs {
		if r.Emoji != emoji {
			out = append(out, r)
			continue
		}
		found = true
		if slices.Contains(r.UserIDs, userID) {
			users := make([]string, 0, len(r.UserIDs))
			for _, u := range r.UserIDs {
				if u != userID {
					users = append(users, u)
				}
			}
			out = append(out, Reaction{Emoji: emoji, UserIDs: users})
		} else {
			out = append(out, Reaction{Emoji: emoji, UserIDs: append(slices.Clone(r.UserIDs), userID)})
		}
	}
	if !found {
		out = append(out, Reaction{Emoji: emoji, UserIDs: []string{userID}})
	}
	return NormalizeReactions(out)
}

// CloneReactions deep-copies rs.
func CloneReactions(rs []Reaction) []Reaction {
	if rs == nil {
		return nil
	}
	out := make([]Reaction, len(rs))
	for i, r := range rs {
		out[i] = Reaction{Emoji: r.Emoji, UserIDs: slices.Clone(r.UserIDs)}
	}
	return out
}
