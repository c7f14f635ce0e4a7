package batch

import (
	"context"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/dataset"
)

// #region loader
// Source is the dataset view a Loader reads from.
type Source interface {
	Len() int
	Get(i int) dataset.Sample
}

// Loader splits a dataset into batches. Order is identity, or a permutation
// seeded by seed+epoch when shuffling; it never depends on worker timing.
type Loader struct {
	src       Source
	batchSize int
	shuffle   bool
	seed      int64
	workers   int
	prefetch  int
}

// Option configures a Loader.
type Option func(*Loader)

// WithShuffle permutes sample order per epoch from seed+epoch.
func WithShuffle(seed int64) Option {
	return func(l *Loader) {
		l.shuffle = true
		l.seed = seed
	}
}

// WithWorkers bounds the number of batches materialized concurrently.
func WithWorkers(n int) Option {
	return func(l *Loader) { l.workers = max(n, 1) }
}

// WithPrefetch bounds how many batches may be ready ahead of the consumer.
func WithPrefetch(n int) Option {
	return func(l *Loader) { l.prefetch = max(n, 1) }
}

// NewLoader builds a loader over src. A non-positive batch size is treated as 1.
func NewLoader(src Source, batchSize int, opts ...Option) *Loader {
	l := &Loader{src: src, batchSize: max(batchSize, 1), workers: 1, prefetch: 2}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Len is the number of samples.
func (l *Loader) Len() int { return l.src.Len() }

// BatchSize is the configured batch size.
func (l *Loader) BatchSize() int { return l.batchSize }

// NumBatches counts batches per epoch; the last batch may be short.
func (l *Loader) NumBatches() int {
	return (l.src.Len() + l.batchSize - 1) / l.batchSize
}

// Order returns the sample order for epoch.
func (l *Loader) Order(epoch int) []int {
	n := l.src.Len()
	if !l.shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	return rand.New(rand.NewSource(l.seed + int64(epoch))).Perm(n)
}

// #endregion loader

// #region iterator
// Iter yields one epoch's batches in order. Batches are materialized by a
// bounded worker pool ahead of the consumer.
type Iter struct {
	ctx     context.Context
	cancel  context.CancelFunc
	results []chan *Batch
	window  chan struct{}
	done    chan struct{}
	next    int
	err     error
}

// Epoch starts materializing the batches of epoch. The caller must drain
// the iterator or call Close.
func (l *Loader) Epoch(ctx context.Context, epoch int) *Iter {
	order := l.Order(epoch)
	var chunks [][]int
	for start := 0; start < len(order); start += l.batchSize {
		chunks = append(chunks, order[start:min(start+l.batchSize, len(order))])
	}

	ctx, cancel := context.WithCancel(ctx)
	it := &Iter{
		ctx:     ctx,
		cancel:  cancel,
		results: make([]chan *Batch, len(chunks)),
		window:  make(chan struct{}, l.prefetch),
		done:    make(chan struct{}),
	}
	for i := range it.results {
		it.results[i] = make(chan *Batch, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	go func() {
		defer close(it.done)
	launch:
		for i, idx := range chunks {
			select {
			case it.window <- struct{}{}:
			case <-gctx.Done():
				break launch
			}
			g.Go(func() error {
				samples := make([]dataset.Sample, len(idx))
				for j, k := range idx {
					samples[j] = l.src.Get(k)
				}
				b, err := Collate(samples, idx)
				if err != nil {
					return err
				}
				it.results[i] <- b
				return nil
			})
		}
		it.err = g.Wait()
	}()
	return it
}

// Next returns the next batch, or false when the epoch is exhausted or
// materialization failed; check Err afterwards.
func (it *Iter) Next() (*Batch, bool) {
	if it.next >= len(it.results) {
		return nil, false
	}
	ch := it.results[it.next]
	select {
	case b := <-ch:
		return it.take(b), true
	case <-it.done:
		select {
		case b := <-ch:
			return it.take(b), true
		default:
		}
		if it.err == nil {
			it.err = it.ctx.Err()
		}
		it.next = len(it.results)
		return nil, false
	}
}

func (it *Iter) take(b *Batch) *Batch {
	it.next++
	<-it.window
	return b
}

// Err reports the first materialization or cancellation error. It must be
// called after Next has returned false.
func (it *Iter) Err() error {
	<-it.done
	return it.err
}

// Close stops outstanding work and waits for the pool to exit.
func (it *Iter) Close() {
	it.cancel()
	<-it.done
}

// #endregion iterator
