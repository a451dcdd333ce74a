package gateway

import (
	"sync"

	"feedbactory/server/internal/netbuf"
	"feedbactory/server/internal/platform/timecache"
	"feedbactory/server/internal/protocol"
)

// Message is a timestamped server broadcast.
type Message struct {
	Type protocol.MessageType
	Text string
	Time int64
}

// BroadcastManager holds the current server broadcast message. Each client
// reports the timestamp of the last message it received, and the message
// is written only to clients that have not seen it yet.
type BroadcastManager struct {
	mu      sync.RWMutex
	message *Message
}

// NewBroadcastManager starts with no message.
func NewBroadcastManager() *BroadcastManager {
	return &BroadcastManager{}
}

// Set replaces the broadcast message, stamped with the current time.
func (b *BroadcastManager) Set(msgType protocol.MessageType, text string) {
	b.mu.Lock()
	b.message = &Message{Type: msgType, Text: text, Time: timecache.NowMilliseconds()}
	b.mu.Unlock()
}

// Clear removes the broadcast message.
func (b *BroadcastManager) Clear() {
	b.mu.Lock()
	b.message = nil
	b.mu.Unlock()
}

// Message returns the current broadcast, if any.
func (b *BroadcastManager) Message() (Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.message == nil {
		return Message{}, false
	}
	return *b.message, true
}

// WriteTo appends the message block to a response: the type byte, and for
// a live message its timestamp and text. lastRequestTime is the client's
// previous request time; a message stamped at or after it has not been
// seen by that client. NoTime marks a first-time client, which always
// receives the message.
func (b *BroadcastManager) WriteTo(lastRequestTime int64, resp *netbuf.Growable) {
	msg, ok := b.Message()
	if !ok || (lastRequestTime != protocol.NoTime && msg.Time < lastRequestTime) {
		resp.PutByte(byte(protocol.NoMessage))
		return
	}
	resp.PutByte(byte(msg.Type))
	resp.PutInt64(msg.Time)
	resp.PutString(msg.Text)
}
