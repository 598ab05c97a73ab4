package heartbeat

import (
	"fmt"
	"sync"
)

// Queue holds pending events per node and buffers accepted results
// until the orchestrator consumes them on its next step evaluation.
//
// The queue is in-memory: ClusterRequest rows are the durable truth,
// and any step whose events were lost to a restart re-emits them on
// retry. All methods are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending map[string][]Event // node id -> FIFO pending events
	issued  map[string]string  // event id -> node id
	results map[string]Result  // event id -> accepted result
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		pending: make(map[string][]Event),
		issued:  make(map[string]string),
		results: make(map[string]Result),
	}
}

// Enqueue validates and queues one event for its target node.
func (q *Queue) Enqueue(ev Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.issued[ev.EventID]; dup {
		return fmt.Errorf("event %s already issued", ev.EventID)
	}
	q.issued[ev.EventID] = ev.TargetNodeID
	q.pending[ev.TargetNodeID] = append(q.pending[ev.TargetNodeID], ev)
	return nil
}

// PendingFor returns the node's pending events in enqueue order.
// Events stay queued until a matching result is accepted, so a fetch
// lost on the wire is simply re-served on the next poll.
func (q *Queue) PendingFor(nodeID string) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	events := q.pending[nodeID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// AcceptResults consumes a result batch from a node. Each result
// removes its event from the pending queue and is buffered for the
// orchestrator. A result whose event id was never issued, or was issued
// to a different node, is rejected and the rest of the batch is still
// applied.
func (q *Queue) AcceptResults(nodeID string, results []Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var rejected []string
	for _, res := range results {
		owner, ok := q.issued[res.EventID]
		if !ok || owner != nodeID {
			rejected = append(rejected, res.EventID)
			continue
		}
		q.results[res.EventID] = res
		q.pending[nodeID] = removeEvent(q.pending[nodeID], res.EventID)
	}

	if len(rejected) > 0 {
		return fmt.Errorf("results for unknown or foreign events: %v", rejected)
	}
	return nil
}

// TakeResult consumes the buffered result for an event, if present.
func (q *Queue) TakeResult(eventID string) (Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, ok := q.results[eventID]
	if ok {
		delete(q.results, eventID)
		delete(q.issued, eventID)
	}
	return res, ok
}

// Withdraw abandons previously issued events: copies still pending on
// any node queue are removed, buffered results are dropped, and the
// event ids are forgotten. Used when a step gives up on an issue set so
// its retry starts from a clean queue instead of stacking fresh events
// on top of orphaned ones.
func (q *Queue) Withdraw(eventIDs []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range eventIDs {
		if node, ok := q.issued[id]; ok {
			q.pending[node] = removeEvent(q.pending[node], id)
			delete(q.issued, id)
		}
		delete(q.results, id)
	}
}

// PeekResult reads a buffered result without consuming it.
func (q *Queue) PeekResult(eventID string) (Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	res, ok := q.results[eventID]
	return res, ok
}

// Outstanding reports how many of the given events have neither been
// executed nor reported yet.
func (q *Queue) Outstanding(eventIDs []string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, id := range eventIDs {
		if _, done := q.results[id]; done {
			continue
		}
		if _, issued := q.issued[id]; issued {
			n++
		}
	}
	return n
}

func removeEvent(events []Event, eventID string) []Event {
	for i, ev := range events {
		if ev.EventID == eventID {
			return append(events[:i:i], events[i+1:]...)
		}
	}
	return events
}
