package supaclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chillspace/pkg/apperr"
	"chillspace/pkg/remote"
	"chillspace/pkg/state/logger"
)

const (
	DefaultHeartbeat = 25 * time.Second
	writeWait        = 10 * time.Second
	maxFrameSize     = 1 << 20
)

// phxMessage is one Phoenix channel frame.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

type joinReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changePayload struct {
	Data struct {
		Type      string        `json:"type"`
		Table     string        `json:"table"`
		Record    remote.Record `json:"record"`
		OldRecord remote.Record `json:"old_record"`
	} `json:"data"`
}

type channelSub struct {
	topic      string
	collection string
	filter     remote.Filter
	feed       *remote.Feed
}

// realtime multiplexes every subscription over one socket, dialled on the
// first Subscribe. Losing the socket fails every open feed; the next
// Subscribe dials again.
type realtime struct {
	c *Client

	mu        sync.Mutex
	conn      *websocket.Conn
	topics    map[string]*channelSub
	pending   map[string]chan joinReply
	ref       uint64
	nextTopic uint64
	token     string
	closed    bool

	wmu sync.Mutex
}

func newRealtime(c *Client) *realtime {
	return &realtime{c: c, topics: map[string]*channelSub{}, pending: map[string]chan joinReply{}}
}

func (rt *realtime) socketURL() string {
	u := *rt.c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	u.RawQuery = url.Values{"apikey": {rt.c.cfg.AnonKey}, "vsn": {"1.0.0"}}.Encode()
	return u.String()
}

func (rt *realtime) nextRefLocked() string {
	rt.ref++
	return strconv.FormatUint(rt.ref, 10)
}

func (rt *realtime) connect(ctx context.Context) (*websocket.Conn, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil, apperr.Transient("realtime", errors.New("client closed"))
	}
	if rt.conn != nil {
		return rt.conn, nil
	}
	dialer := websocket.Dialer{HandshakeTimeout: rt.c.cfg.Timeout}
	conn, resp, err := dialer.DialContext(ctx, rt.socketURL(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, statusError("realtime connect", resp.StatusCode, nil)
		}
		return nil, apperr.Transient("realtime connect", err)
	}
	conn.SetReadLimit(maxFrameSize)
	rt.conn = conn
	go rt.readLoop(conn)
	go rt.heartbeat(conn)
	logger.Debug("realtime_connected")
	return conn, nil
}

func (rt *realtime) send(conn *websocket.Conn, m any) error {
	rt.wmu.Lock()
	defer rt.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(m)
}

// Subscribe joins a channel streaming changes of collection. Filters the
// realtime grammar cannot express are applied client-side; every event is
// matched against filter before delivery either way.
func (c *Client) Subscribe(ctx context.Context, collection string, filter remote.Filter) (remote.Subscription, error) {
	return c.rt.subscribe(ctx, collection, filter)
}

func (rt *realtime) subscribe(ctx context.Context, collection string, filter remote.Filter) (remote.Subscription, error) {
	token, err := rt.c.auth.token(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		token = rt.c.cfg.AnonKey
	}
	conn, err := rt.connect(ctx)
	if err != nil {
		return nil, err
	}

	change := map[string]string{"event": "*", "schema": "public", "table": collection}
	if rf, ok := realtimeFilter(filter); ok && rf != "" {
		change["filter"] = rf
	}

	rt.mu.Lock()
	if rt.conn != conn {
		rt.mu.Unlock()
		return nil, apperr.Transient("realtime subscribe", errors.New("connection lost"))
	}
	rt.nextTopic++
	topic := fmt.Sprintf("realtime:chillspace-%s-%d", collection, rt.nextTopic)
	sub := &channelSub{topic: topic, collection: collection, filter: filter}
	sub.feed = remote.NewFeed(func() { rt.leave(topic) })
	rt.topics[topic] = sub
	ref := rt.nextRefLocked()
	reply := make(chan joinReply, 1)
	rt.pending[ref] = reply
	rt.token = token
	rt.mu.Unlock()

	join := map[string]any{
		"topic": topic,
		"event": "phx_join",
		"ref":   ref,
		"payload": map[string]any{
			"config": map[string]any{
				"broadcast":        map[string]bool{"self": false},
				"presence":         map[string]string{"key": ""},
				"postgres_changes": []map[string]string{change},
			},
			"access_token": token,
		},
	}
	if err := rt.send(conn, join); err != nil {
		rt.forget(topic, ref)
		_ = sub.feed.Close()
		return nil, apperr.Transient("realtime subscribe", err)
	}

	timer := time.NewTimer(rt.c.cfg.Timeout)
	defer timer.Stop()
	select {
	case r, ok := <-reply:
		if !ok {
			_ = sub.feed.Close()
			return nil, apperr.Transient("realtime subscribe", errors.New("connection lost"))
		}
		if r.Status != "ok" {
			rt.forget(topic, "")
			_ = sub.feed.Close()
			return nil, joinError(collection, r.Response)
		}
	case <-ctx.Done():
		rt.forget(topic, ref)
		_ = sub.feed.Close()
		return nil, apperr.Classify("realtime subscribe", ctx.Err())
	case <-timer.C:
		rt.forget(topic, ref)
		_ = sub.feed.Close()
		return nil, apperr.Transient("realtime subscribe", errors.New("join timed out"))
	}
	logger.Debug("realtime_joined", "topic", topic, "filter", filter.String())
	return sub.feed, nil
}

func joinError(collection string, response json.RawMessage) error {
	var body struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(response, &body)
	msg := body.Reason
	if msg == "" {
		msg = body.Message
	}
	if msg == "" {
		msg = string(response)
	}
	op := "realtime subscribe " + collection
	if strings.Contains(strings.ToLower(msg), "token") || strings.Contains(strings.ToLower(msg), "unauthorized") {
		return apperr.Authentication(op, msg)
	}
	return apperr.Transient(op, errors.New(msg))
}

func (rt *realtime) forget(topic, ref string) {
	rt.mu.Lock()
	delete(rt.topics, topic)
	if ref != "" {
		delete(rt.pending, ref)
	}
	rt.mu.Unlock()
}

// leave runs when a feed closes.
func (rt *realtime) leave(topic string) {
	rt.mu.Lock()
	_, ok := rt.topics[topic]
	delete(rt.topics, topic)
	conn := rt.conn
	ref := rt.nextRefLocked()
	rt.mu.Unlock()
	if !ok || conn == nil {
		return
	}
	msg := map[string]any{"topic": topic, "event": "phx_leave", "payload": map[string]any{}, "ref": ref}
	if err := rt.send(conn, msg); err != nil {
		logger.Debug("realtime_leave_failed", "topic", topic, "error", err)
	}
}

func (rt *realtime) readLoop(conn *websocket.Conn) {
	for {
		var m phxMessage
		if err := conn.ReadJSON(&m); err != nil {
			rt.drop(conn, err)
			return
		}
		rt.dispatch(m)
	}
}

func (rt *realtime) dispatch(m phxMessage) {
	switch m.Event {
	case "phx_reply":
		if m.Ref == nil {
			return
		}
		var r joinReply
		_ = json.Unmarshal(m.Payload, &r)
		rt.mu.Lock()
		ch, ok := rt.pending[*m.Ref]
		delete(rt.pending, *m.Ref)
		rt.mu.Unlock()
		if ok {
			ch <- r
		}
	case "postgres_changes":
		rt.mu.Lock()
		sub, ok := rt.topics[m.Topic]
		rt.mu.Unlock()
		if !ok {
			return
		}
		var p changePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			logger.Warn("realtime_bad_payload", "topic", m.Topic, "error", err)
			return
		}
		ev := remote.Event{
			Type:       remote.EventType(strings.ToUpper(p.Data.Type)),
			Collection: sub.collection,
			New:        p.Data.Record,
			Old:        p.Data.OldRecord,
		}
		if sub.filter.Match(ev.Row()) {
			sub.feed.Publish(ev)
		}
	case "phx_error", "phx_close":
		rt.mu.Lock()
		sub, ok := rt.topics[m.Topic]
		delete(rt.topics, m.Topic)
		rt.mu.Unlock()
		if ok {
			logger.Warn("realtime_channel_closed", "topic", m.Topic, "event", m.Event)
			sub.feed.Fail(apperr.Transient("realtime", fmt.Errorf("channel %s: %s", m.Topic, m.Event)))
		}
	}
}

// drop tears down conn and fails every feed that was using it.
func (rt *realtime) drop(conn *websocket.Conn, cause error) {
	rt.mu.Lock()
	if rt.conn != conn {
		rt.mu.Unlock()
		return
	}
	rt.conn = nil
	subs := rt.topics
	rt.topics = map[string]*channelSub{}
	pending := rt.pending
	rt.pending = map[string]chan joinReply{}
	closed := rt.closed
	rt.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	if !closed {
		logger.Warn("realtime_disconnected", "subscriptions", len(subs), "error", cause)
	}
	for _, sub := range subs {
		sub.feed.Fail(apperr.Transient("realtime", cause))
	}
}

// heartbeat keeps the socket alive and pushes refreshed access tokens to
// joined channels.
func (rt *realtime) heartbeat(conn *websocket.Conn) {
	every := rt.c.cfg.Heartbeat
	if every <= 0 {
		every = DefaultHeartbeat
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for range ticker.C {
		rt.mu.Lock()
		if rt.conn != conn {
			rt.mu.Unlock()
			return
		}
		ref := rt.nextRefLocked()
		rt.mu.Unlock()
		if err := rt.send(conn, map[string]any{"topic": "phoenix", "event": "heartbeat", "payload": map[string]any{}, "ref": ref}); err != nil {
			rt.drop(conn, err)
			return
		}
		rt.pushToken(conn)
	}
}

func (rt *realtime) pushToken(conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), rt.c.cfg.Timeout)
	token, err := rt.c.auth.token(ctx)
	cancel()
	if err != nil || token == "" {
		return
	}
	rt.mu.Lock()
	if token == rt.token {
		rt.mu.Unlock()
		return
	}
	rt.token = token
	topics := make([]string, 0, len(rt.topics))
	for t := range rt.topics {
		topics = append(topics, t)
	}
	rt.mu.Unlock()
	for _, t := range topics {
		msg := map[string]any{"topic": t, "event": "access_token", "payload": map[string]string{"access_token": token}}
		if err := rt.send(conn, msg); err != nil {
			return
		}
	}
}

func (rt *realtime) shutdown() {
	rt.mu.Lock()
	rt.closed = true
	conn := rt.conn
	rt.mu.Unlock()
	if conn != nil {
		rt.wmu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		rt.wmu.Unlock()
		_ = conn.Close()
	}
}
