package database

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"

	"vpnshield/internal/metrics"
)

const (
	writeBatchWindow   = 20 * time.Millisecond
	writeBatchMaxItems = 256
	writeQueueSize     = 1024
)

var ErrStoreClosed = errors.New("database: store closed")

type writeOp func(tx *gorm.DB) error

type writeRequest struct {
	ctx  context.Context
	kind string
	op   writeOp
	resp chan error
}

func (r *writeRequest) respond(err error) {
	metrics.ObserveStoreWrite(r.kind, err)
	select {
	case r.resp <- err:
	default:
	}
}

// writer owns every mutation of the store. Requests arriving within one batch
// window are applied in a single transaction, in submission order.
type writer struct {
	db       *gorm.DB
	requests chan *writeRequest

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

func newWriter(db *gorm.DB) *writer {
	w := &writer{
		db:       db,
		requests: make(chan *writeRequest, writeQueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writer) submit(ctx context.Context, kind string, op writeOp) error {
	if ctx == nil {
		ctx = context.Background()
	}

	req := &writeRequest{
		ctx:  ctx,
		kind: kind,
		op:   op,
		resp: make(chan error, 1),
	}

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrStoreClosed
	}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting requests, flushes what is queued and waits for the loop.
func (w *writer) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.stop)
	w.mu.Unlock()
	<-w.done
}

func (w *writer) run() {
	defer close(w.done)

	batch := make([]*writeRequest, 0, writeBatchMaxItems)
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer = nil
			timerC = nil
		}
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		items := make([]*writeRequest, len(batch))
		copy(items, batch)
		batch = batch[:0]
		w.processBatch(items)
	}

	for {
		select {
		case req := <-w.requests:
			batch = append(batch, req)
			if len(batch) >= writeBatchMaxItems {
				stopTimer()
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(writeBatchWindow)
				timerC = timer.C
			}
		case <-timerC:
			timer = nil
			timerC = nil
			flush()
		case <-w.stop:
			stopTimer()
			for {
				select {
				case req := <-w.requests:
					batch = append(batch, req)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *writer) processBatch(batch []*writeRequest) {
	active := make([]*writeRequest, 0, len(batch))
	for _, req := range batch {
		select {
		case <-req.ctx.Done():
			req.respond(req.ctx.Err())
		default:
			active = append(active, req)
		}
	}

	switch len(active) {
	case 0:
		return
	case 1:
		req := active[0]
		req.respond(req.op(w.db.WithContext(req.ctx)))
		return
	}

	err := w.db.Transaction(func(tx *gorm.DB) error {
		for _, req := range active {
			if err := req.op(tx.WithContext(req.ctx)); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		for _, req := range active {
			req.respond(nil)
		}
		return
	}

	// One bad request must not fail its neighbours; retry them one by one.
	log.Debug("Store batch failed, retrying individually", "size", len(active), "error", err)
	for _, req := range active {
		req.respond(req.op(w.db.WithContext(req.ctx)))
	}
}
