package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"coffer/core/types"
	"coffer/observability"
)

const eventHistoryLimit = 2048

// EventUpdate wraps one published event with its position in the stream.
// Sequence starts at one and never repeats; Cursor is its decimal form, so a
// subscriber that drops can resume after the last update it saw.
type EventUpdate struct {
	Sequence  uint64
	Cursor    string
	Timestamp int64
	Event     *types.Event
}

func cloneEventUpdate(update EventUpdate) EventUpdate {
	cloned := update
	if update.Event != nil {
		attributes := make(map[string]string, len(update.Event.Attributes))
		for key, value := range update.Event.Attributes {
			attributes[key] = value
		}
		cloned.Event = &types.Event{Type: update.Event.Type, Attributes: attributes}
	}
	return cloned
}

// publishEvent stamps the event into the stream history and fans it out to
// live subscribers. A slow subscriber loses updates rather than blocking the
// publishing call; the backlog replay on reconnect covers the gap.
func (n *Node) publishEvent(evt *types.Event) {
	if n == nil || evt == nil {
		return
	}
	update := EventUpdate{Timestamp: n.now().Unix(), Event: evt}
	observability.Events().RecordPublished(evt.Type)

	n.eventMu.Lock()
	if n.eventSubs == nil {
		n.eventSubs = make(map[uint64]chan EventUpdate)
	}
	n.eventSeq++
	update.Sequence = n.eventSeq
	update.Cursor = strconv.FormatUint(update.Sequence, 10)
	stored := cloneEventUpdate(update)
	n.eventHistory = append(n.eventHistory, stored)
	if len(n.eventHistory) > eventHistoryLimit {
		excess := len(n.eventHistory) - eventHistoryLimit
		trimmed := make([]EventUpdate, eventHistoryLimit)
		copy(trimmed, n.eventHistory[excess:])
		n.eventHistory = trimmed
	}
	subscribers := make([]chan EventUpdate, 0, len(n.eventSubs))
	for _, ch := range n.eventSubs {
		subscribers = append(subscribers, ch)
	}
	sink := n.eventSink
	n.eventMu.Unlock()

	if sink != nil {
		sink.Record(cloneEventUpdate(update))
	}

	broadcast := cloneEventUpdate(update)
	for _, ch := range subscribers {
		select {
		case ch <- broadcast:
		default:
		}
	}
}

// EventsSubscribe registers a subscriber for the daemon event stream starting
// after the supplied cursor. It returns the live channel, a cancel function,
// and the backlog of retained updates newer than the cursor.
func (n *Node) EventsSubscribe(ctx context.Context, cursor string) (<-chan EventUpdate, func(), []EventUpdate, error) {
	if n == nil {
		return nil, nil, nil, fmt.Errorf("node not initialised")
	}
	updates := make(chan EventUpdate, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid cursor %q", cursor)
		}
		since = parsed
	}

	n.eventMu.Lock()
	if n.eventSubs == nil {
		n.eventSubs = make(map[uint64]chan EventUpdate)
	}
	id := n.eventNextID
	n.eventNextID++
	n.eventSubs[id] = updates
	history := make([]EventUpdate, len(n.eventHistory))
	copy(history, n.eventHistory)
	n.eventMu.Unlock()

	backlog := make([]EventUpdate, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneEventUpdate(entry))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.eventMu.Lock()
			sub, ok := n.eventSubs[id]
			if ok {
				delete(n.eventSubs, id)
				close(sub)
			}
			n.eventMu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}
