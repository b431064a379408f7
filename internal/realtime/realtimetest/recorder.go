// Package realtimetest provides an in-memory Emitter that records deliveries.
package realtimetest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/quizarena/live/pkg/http/ws"
)

// Delivery is one recorded event. Room is empty for direct messages.
type Delivery struct {
	Room    string
	UserID  string
	Message ws.Message
}

// Recorder implements realtime.Emitter. Room broadcasts are expanded into a
// per-user inbox using the recorded memberships.
type Recorder struct {
	mu        sync.Mutex
	rooms     map[string]map[string]struct{}
	roomLog   []Delivery
	inbox     map[string][]ws.Message
	userCalls []Delivery
}

// New returns an empty recorder.
func New() *Recorder {
	return &Recorder{
		rooms: make(map[string]map[string]struct{}),
		inbox: make(map[string][]ws.Message),
	}
}

func (r *Recorder) Join(_ context.Context, room, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]struct{})
	}
	r.rooms[room][userID] = struct{}{}
	return nil
}

func (r *Recorder) Leave(_ context.Context, room, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms[room], userID)
	return nil
}

func (r *Recorder) ToRoom(_ context.Context, room string, msg ws.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roomLog = append(r.roomLog, Delivery{Room: room, Message: msg})
	for uid := range r.rooms[room] {
		r.inbox[uid] = append(r.inbox[uid], msg)
	}
	return nil
}

func (r *Recorder) ToUser(_ context.Context, userID string, msg ws.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userCalls = append(r.userCalls, Delivery{UserID: userID, Message: msg})
	r.inbox[userID] = append(r.inbox[userID], msg)
	return nil
}

// Members lists users joined to room.
func (r *Recorder) Members(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms[room]))
	for uid := range r.rooms[room] {
		out = append(out, uid)
	}
	return out
}

// RoomMessages returns the messages of msgType sent to room, in order.
func (r *Recorder) RoomMessages(room, msgType string) []ws.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ws.Message
	for _, d := range r.roomLog {
		if d.Room == room && d.Message.Type == msgType {
			out = append(out, d.Message)
		}
	}
	return out
}

// UserMessages returns every message of msgType userID would have received.
func (r *Recorder) UserMessages(userID, msgType string) []ws.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ws.Message
	for _, m := range r.inbox[userID] {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// Count returns how many room broadcasts of msgType were sent.
func (r *Recorder) Count(msgType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.roomLog {
		if d.Message.Type == msgType {
			n++
		}
	}
	return n
}

// Reset clears recorded messages but keeps memberships.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roomLog = nil
	r.userCalls = nil
	r.inbox = make(map[string][]ws.Message)
}

// Decode unmarshals a message payload into T.
func Decode[T any](msg ws.Message) T {
	var v T
	_ = json.Unmarshal(msg.Payload, &v)
	return v
}
