package link

import (
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Impairments describes how a Lossy link mistreats outgoing datagrams.
type Impairments struct {
	Drop      float64       // probability a datagram is lost
	Duplicate float64       // probability a datagram is sent twice
	Reorder   float64       // probability a datagram is held back by up to 2*Delay extra
	Delay     time.Duration // fixed latency added to every datagram
	Seed      int64
}

// Stats counts what a Lossy link did.
type Stats struct {
	Sent, Dropped, Duplicated, Reordered uint64
}

// Lossy wraps a Link and impairs what is sent through it. Receiving is
// passed straight through.
type Lossy struct {
	inner Link
	imp   Impairments
	log   *zap.Logger

	mu    sync.Mutex
	rng   *rand.Rand
	queue delayQueue
	stats Stats

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewLossy starts a Lossy link over inner.
func NewLossy(inner Link, imp Impairments, log *zap.Logger) *Lossy {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Lossy{
		inner: inner,
		imp:   imp,
		log:   log,
		rng:   rand.New(rand.NewSource(imp.Seed)),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Lossy) Send(b []byte) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	b = append([]byte(nil), b...)

	l.mu.Lock()
	if l.rng.Float64() < l.imp.Drop {
		l.stats.Dropped++
		l.mu.Unlock()
		return nil
	}
	copies := 1
	if l.rng.Float64() < l.imp.Duplicate {
		l.stats.Duplicated++
		copies++
	}
	now := time.Now()
	for i := 0; i < copies; i++ {
		delay := l.imp.Delay
		if l.rng.Float64() < l.imp.Reorder {
			l.stats.Reordered++
			delay += time.Duration(l.rng.Int63n(int64(2*l.imp.Delay) + int64(time.Millisecond)))
		}
		heap.Push(&l.queue, &delayed{release: now.Add(delay), datagram: b})
	}
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// run releases datagrams to the inner link as they come due.
func (l *Lossy) run() {
	defer l.wg.Done()
	var due [][]byte
	for {
		l.mu.Lock()
		now := time.Now()
		for d := l.queue.peek(); d != nil && !d.release.After(now); d = l.queue.peek() {
			heap.Pop(&l.queue)
			due = append(due, d.datagram)
		}
		wait := time.Duration(-1)
		if d := l.queue.peek(); d != nil {
			wait = d.release.Sub(now)
		}
		l.stats.Sent += uint64(len(due))
		l.mu.Unlock()

		for i, b := range due {
			if err := l.inner.Send(b); err != nil {
				l.log.Debug("link: lossy send failed", zap.Error(err))
			}
			due[i] = nil
		}
		due = due[:0]

		var timer *time.Timer
		var fire <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-l.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-l.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (l *Lossy) Recv(ctx context.Context) ([]byte, error) {
	return l.inner.Recv(ctx)
}

// Close stops the release loop, discards held datagrams and closes inner.
func (l *Lossy) Close() error {
	err := ErrClosed
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		err = l.inner.Close()
	})
	return err
}

// Stats returns a snapshot of the counters.
func (l *Lossy) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
