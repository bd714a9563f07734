package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"election-ledger/models"
)

var (
	ErrQueueFull = errors.New("transaction queue is full")
	ErrStopped   = errors.New("sequencer stopped")
)

// Sequencer feeds queued transactions to the service one at a time, so
// every mutation lands in a single total order.
type Sequencer struct {
	service         *ElectionService
	txCh            chan *txRequest
	shutdownCh      chan struct{}
	processingWg    sync.WaitGroup
	stopOnce        sync.Once
	mu              sync.RWMutex
	stopped         bool
	processingDelay time.Duration // For benchmarking purposes
}

type txRequest struct {
	ctx      context.Context
	tx       *models.Transaction
	resultCh chan<- *ProcessingResult
}

// ProcessingResult contains the result of an asynchronous operation
type ProcessingResult struct {
	Result *Result
	Err    error
}

func NewSequencer(svc *ElectionService, queueSize int, processingDelay time.Duration) *Sequencer {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Sequencer{
		service:         svc,
		txCh:            make(chan *txRequest, queueSize),
		shutdownCh:      make(chan struct{}),
		processingDelay: processingDelay,
	}
}

func (sq *Sequencer) Start() {
	sq.processingWg.Add(1)
	go sq.worker()
}

// Stop waits for the transaction in flight and fails everything still queued.
func (sq *Sequencer) Stop() {
	sq.stopOnce.Do(func() {
		sq.mu.Lock()
		sq.stopped = true
		sq.mu.Unlock()

		close(sq.shutdownCh)
		sq.processingWg.Wait()
		for {
			select {
			case req := <-sq.txCh:
				req.resultCh <- &ProcessingResult{Err: ErrStopped}
			default:
				return
			}
		}
	})
}

// Submit queues tx and waits for its outcome. A transaction whose context is
// done before the worker reaches it is dropped without effect. Once queued,
// Submit reports what actually happened to tx: cancelling ctx afterwards
// cannot turn a committed transaction into an error.
func (sq *Sequencer) Submit(ctx context.Context, tx *models.Transaction) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resultCh := make(chan *ProcessingResult, 1)
	if err := sq.enqueue(&txRequest{ctx: ctx, tx: tx, resultCh: resultCh}); err != nil {
		return nil, err
	}

	res := <-resultCh
	return res.Result, res.Err
}

// enqueue holds the read lock so Stop cannot start draining while a
// request is being added.
func (sq *Sequencer) enqueue(req *txRequest) error {
	sq.mu.RLock()
	defer sq.mu.RUnlock()

	if sq.stopped {
		return ErrStopped
	}
	select {
	case sq.txCh <- req:
		return nil
	default:
		log.Warn().Str("tx", req.tx.ID).Str("kind", string(req.tx.Kind)).Msg("transaction queue is full")
		return ErrQueueFull
	}
}

func (sq *Sequencer) worker() {
	defer sq.processingWg.Done()

	for {
		select {
		case <-sq.shutdownCh:
			return
		case req := <-sq.txCh:
			if err := req.ctx.Err(); err != nil {
				req.resultCh <- &ProcessingResult{Err: err}
				continue
			}
			if sq.processingDelay > 0 {
				time.Sleep(sq.processingDelay)
			}

			res, err := sq.service.Commit(req.tx)
			req.resultCh <- &ProcessingResult{Result: res, Err: err}
		}
	}
}
