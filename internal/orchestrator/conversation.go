package orchestrator

import (
	"container/list"
	"sync"

	"github.com/refset/aegis/internal/handlers"
)

type conversation struct {
	id    string
	turns []handlers.Turn
}

// Conversations keeps the most recent turns of each conversation. Beyond
// maxConversations, the least recently appended conversation is dropped.
type Conversations struct {
	limit            int
	maxConversations int

	mu    sync.Mutex
	order *list.List // front is most recent
	index map[string]*list.Element
}

func NewConversations(limit, maxConversations int) *Conversations {
	if limit <= 0 {
		limit = 20
	}
	if maxConversations <= 0 {
		maxConversations = 10000
	}
	return &Conversations{
		limit:            limit,
		maxConversations: maxConversations,
		order:            list.New(),
		index:            make(map[string]*list.Element),
	}
}

// History returns a copy of the conversation's turns, oldest first.
func (c *Conversations) History(id string) []handlers.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[id]
	if !ok {
		return nil
	}
	return append([]handlers.Turn(nil), e.Value.(*conversation).turns...)
}

// Len returns how many conversations are retained.
func (c *Conversations) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Append adds turns, dropping the oldest beyond the limit.
func (c *Conversations) Append(id string, turns ...handlers.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[id]
	if ok {
		c.order.MoveToFront(e)
	} else {
		e = c.order.PushFront(&conversation{id: id})
		c.index[id] = e
	}
	conv := e.Value.(*conversation)
	h := append(conv.turns, turns...)
	if over := len(h) - c.limit; over > 0 {
		h = append([]handlers.Turn(nil), h[over:]...)
	}
	conv.turns = h

	for c.order.Len() > c.maxConversations {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*conversation).id)
	}
}
