// ABOUTME: Correlates client requests with the server events that answer them
// ABOUTME: Entries resolve FIFO per awaited type; errors match by event ID or fail everything

package upstream

import (
	"sync"

	"github.com/2389/coven-voice/internal/realtime"
)

type pendingResult struct {
	ev  realtime.ServerEvent
	err error
}

type pendingReq struct {
	eventID   string
	awaitType string
	ch        chan pendingResult // buffered; receives exactly one result
}

type pendingSet struct {
	mu     sync.Mutex
	byType map[string][]*pendingReq
}

func newPendingSet() *pendingSet {
	return &pendingSet{byType: make(map[string][]*pendingReq)}
}

func (p *pendingSet) add(eventID, awaitType string) *pendingReq {
	req := &pendingReq{
		eventID:   eventID,
		awaitType: awaitType,
		ch:        make(chan pendingResult, 1),
	}
	p.mu.Lock()
	p.byType[awaitType] = append(p.byType[awaitType], req)
	p.mu.Unlock()
	return req
}

// remove drops req if it is still waiting. Reports whether it was found.
func (p *pendingSet) remove(req *pendingReq) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(req)
}

func (p *pendingSet) removeLocked(req *pendingReq) bool {
	queue := p.byType[req.awaitType]
	for i, r := range queue {
		if r == req {
			p.byType[req.awaitType] = append(queue[:i:i], queue[i+1:]...)
			if len(p.byType[req.awaitType]) == 0 {
				delete(p.byType, req.awaitType)
			}
			return true
		}
	}
	return false
}

// resolve hands ev to the oldest request waiting for its type.
func (p *pendingSet) resolve(ev realtime.ServerEvent) bool {
	p.mu.Lock()
	queue := p.byType[ev.EventType()]
	if len(queue) == 0 {
		p.mu.Unlock()
		return false
	}
	req := queue[0]
	p.removeLocked(req)
	p.mu.Unlock()

	req.ch <- pendingResult{ev: ev}
	return true
}

// failByID fails the request that sent eventID.
func (p *pendingSet) failByID(eventID string, err error) bool {
	p.mu.Lock()
	var found *pendingReq
	for _, queue := range p.byType {
		for _, r := range queue {
			if r.eventID == eventID {
				found = r
				break
			}
		}
		if found != nil {
			break
		}
	}
	if found != nil {
		p.removeLocked(found)
	}
	p.mu.Unlock()

	if found == nil {
		return false
	}
	found.ch <- pendingResult{err: err}
	return true
}

// failAll fails every waiting request and returns how many there were.
func (p *pendingSet) failAll(err error) int {
	p.mu.Lock()
	all := p.byType
	p.byType = make(map[string][]*pendingReq)
	p.mu.Unlock()

	n := 0
	for _, queue := range all {
		for _, r := range queue {
			r.ch <- pendingResult{err: err}
			n++
		}
	}
	return n
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, queue := range p.byType {
		n += len(queue)
	}
	return n
}
