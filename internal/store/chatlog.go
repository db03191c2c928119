package store

import (
	"sync"

	"canvas-gateway/internal/model"
	"github.com/google/uuid"
)

type chatLog struct {
	mu   sync.RWMutex
	data map[string][]model.ChatMessage
	seq  map[string]int64
}

func newChatLog() *chatLog {
	return &chatLog{
		data: make(map[string][]model.ChatMessage),
		seq:  make(map[string]int64),
	}
}

func (l *chatLog) append(userID, role, content string, nowMillis int64) model.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq[userID]++
	msg := model.ChatMessage{
		ID:        uuid.NewString(),
		UserID:    userID,
		Seq:       l.seq[userID],
		Role:      role,
		Content:   content,
		CreatedAt: nowMillis,
	}
	l.data[userID] = append(l.data[userID], msg)
	return msg
}

func (l *chatLog) getAfter(userID string, after int64, limit int) []model.ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	msgs := l.data[userID]
	if len(msgs) == 0 {
		return nil
	}

	result := make([]model.ChatMessage, 0, limit)
	for _, msg := range msgs {
		if msg.Seq > after {
			result = append(result, msg)
			if len(result) >= limit {
				break
			}
		}
	}
	return result
}
