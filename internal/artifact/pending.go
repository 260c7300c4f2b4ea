package artifact

import "sync"

// pendingSet tracks writers that have not been committed or aborted.
type pendingSet struct {
	writers map[*Writer]struct{}
	mu      sync.Mutex
}

func newPendingSet() *pendingSet {
	return &pendingSet{writers: make(map[*Writer]struct{})}
}

func (p *pendingSet) add(w *Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writers[w] = struct{}{}
}

func (p *pendingSet) remove(w *Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.writers, w)
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writers)
}

func (p *pendingSet) drain() []*Writer {
	p.mu.Lock()
	ws := make([]*Writer, 0, len(p.writers))
	for w := range p.writers {
		ws = append(ws, w)
	}
	p.mu.Unlock()
	return ws
}
