package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatch(t *testing.T) {
	row := Record{"id": "m1", "channel_id": nil, "recipient_id": nil, "user_id": "alice", "pinned": true, "download_count": float64(3)}

	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"zero matches all", Filter{}, true},
		{"eq string", Eq("user_id", "alice"), true},
		{"eq mismatch", Eq("user_id", "bob"), false},
		{"eq against null", Eq("channel_id", "c1"), false},
		{"neq", Neq("user_id", "bob"), true},
		{"neq null is false", Neq("channel_id", "c1"), false},
		{"is null", IsNull("channel_id"), true},
		{"missing column is null", IsNull("edited_at"), true},
		{"in", In("user_id", "bob", "alice"), true},
		{"in strings miss", InStrings("user_id", []string{"bob"}), false},
		{"bool eq", Eq("pinned", true), true},
		{"int vs float", Eq("download_count", 3), true},
		{"legacy general", Or(Eq("channel_id", "c1"), And(IsNull("channel_id"), IsNull("recipient_id"))), true},
		{"and short circuit", And(Eq("user_id", "alice"), Eq("pinned", false)), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.f.Match(row))
		})
	}
}

func TestCompareValues(t *testing.T) {
	assert.Equal(t, -1, CompareValues(nil, "a"))
	assert.Equal(t, 1, CompareValues(float64(10), 2))
	assert.Equal(t, -1, CompareValues("2024-01-01T00:00:00Z", "2024-01-01T00:00:00.5+00:00"))
	assert.Equal(t, 1, CompareValues("b", "a"))
	assert.Equal(t, 1, CompareValues(true, false))
}

type msg struct {
	ID      string    `json:"id"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
	Tags    []string  `json:"tags,omitempty"`
}

func TestDecodeEncode(t *testing.T) {
	r := Record{"id": "m1", "content": "hi", "sent_at": "2024-03-05T10:00:00.123456+00:00", "extra": 1}
	m, err := Decode[msg](r)
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, 123456000, m.SentAt.Nanosecond())

	_, err = Decode[msg](Record{"sent_at": "not a time"})
	assert.Error(t, err)

	enc, err := Encode(msg{ID: "x", Content: "y"})
	require.NoError(t, err)
	assert.Equal(t, "x", enc.ID())
	_, hasTags := enc["tags"]
	assert.False(t, hasTags)

	all, err := DecodeAll[msg]([]Record{r, {"id": "m2"}})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRecordHelpers(t *testing.T) {
	r := Record{"id": "a", "n": float64(2), "nil": nil}
	assert.Equal(t, "2", r.String("n"))
	assert.Equal(t, "", r.String("nil"))
	merged := r.Merge(Record{"n": float64(3)})
	assert.Equal(t, float64(2), r["n"])
	assert.Equal(t, float64(3), merged["n"])
}

func TestFeedDeliversInOrderAndStopsAfterClose(t *testing.T) {
	closed := make(chan struct{})
	f := NewFeed(func() { close(closed) })
	for i := 0; i < 5; i++ {
		require.True(t, f.Publish(Event{Type: EventInsert, New: Record{"id": string(rune('a' + i))}}))
	}
	for i := 0; i < 5; i++ {
		select {
		case ev := <-f.Events():
			assert.Equal(t, string(rune('a'+i)), ev.New.ID())
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	<-closed
	assert.False(t, f.Publish(Event{Type: EventInsert}))

	select {
	case _, ok := <-f.Events():
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestFeedFailRecordsError(t *testing.T) {
	f := NewFeed(nil)
	f.Fail(assert.AnError)
	f.Fail(nil)
	assert.Equal(t, assert.AnError, f.Err())
	assert.True(t, f.Closed())
}

func TestEventRow(t *testing.T) {
	del := Event{Type: EventDelete, Old: Record{"id": "gone"}}
	assert.Equal(t, "gone", del.Row().ID())
	ins := Event{Type: EventInsert, New: Record{"id": "new"}}
	assert.Equal(t, "new", ins.Row().ID())
}
