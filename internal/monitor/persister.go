package monitor

import (
	"log/slog"
	"sync"

	"github.com/oszuidwest/zwfm-noisemeter/internal/metrics"
	"github.com/oszuidwest/zwfm-noisemeter/internal/session"
)

// Store is the subset of the session store the monitor writes through.
type Store interface {
	Create(alertThreshold float64) (session.Session, error)
	Update(id string, readings []session.Reading, alertCount int) error
	Close(id string, readings []session.Reading, alertCount int) error
	SetThreshold(id string, threshold float64) error
}

type jobKind int

const (
	jobUpdate jobKind = iota
	jobThreshold
	jobClose
)

func (k jobKind) String() string {
	switch k {
	case jobUpdate:
		return "update"
	case jobThreshold:
		return "threshold"
	case jobClose:
		return "close"
	default:
		return "unknown"
	}
}

// job is one store write. Readings are owned by the job.
type job struct {
	kind       jobKind
	id         string
	readings   []session.Reading
	alertCount int
	threshold  float64
}

// persister runs store writes on a single goroutine in FIFO order so that
// ticks never wait on storage. A queued update is replaced by a newer update
// for the same session; threshold and close jobs are never dropped.
type persister struct {
	store   Store
	onError func(j job, err error)

	mu     sync.Mutex
	queue  []job
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newPersister(store Store, onError func(j job, err error)) *persister {
	p := &persister{
		store:   store,
		onError: onError,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// enqueue hands a job to the writer. Jobs after drain are discarded.
func (p *persister) enqueue(j job) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		slog.Warn("session write dropped after shutdown", "kind", j.kind, "id", j.id)
		return
	}
	if n := len(p.queue); j.kind == jobUpdate && n > 0 &&
		p.queue[n-1].kind == jobUpdate && p.queue[n-1].id == j.id {
		p.queue[n-1] = j
		metrics.IncPersistCoalesced()
	} else {
		p.queue = append(p.queue, j)
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// drain stops accepting jobs and waits until every queued job is written.
func (p *persister) drain() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	<-p.done
}

func (p *persister) run() {
	defer close(p.done)
	for {
		j, ok := p.next()
		if !ok {
			return
		}
		p.execute(j)
	}
}

// next blocks until a job is queued, or returns false once drained.
func (p *persister) next() (job, bool) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			j := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return j, true
		}
		if p.closed {
			p.mu.Unlock()
			return job{}, false
		}
		p.mu.Unlock()
		<-p.wake
	}
}

func (p *persister) execute(j job) {
	var err error
	switch j.kind {
	case jobUpdate:
		err = p.store.Update(j.id, j.readings, j.alertCount)
	case jobThreshold:
		err = p.store.SetThreshold(j.id, j.threshold)
	case jobClose:
		err = p.store.Close(j.id, j.readings, j.alertCount)
	}
	if err == nil {
		return
	}
	slog.Error("session write failed", "kind", j.kind, "id", j.id, "error", err)
	if p.onError != nil {
		p.onError(j, err)
	}
}
