package store

import "fmt"

const (
	slotPrefix   = "slot:"
	outboxPrefix = "outbox:"

	slotKeyFormat   = slotPrefix + "%s"
	outboxKeyFormat = outboxPrefix + "%s"
)

func slotKey(name string) []byte { return []byte(fmt.Sprintf(slotKeyFormat, name)) }

func outboxKey(clientID string) []byte { return []byte(fmt.Sprintf(outboxKeyFormat, clientID)) }

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}
