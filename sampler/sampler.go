// Package sampler streams class-balanced mini-batches out of sharded record
// files, for metric-learning losses that need several examples per class in
// every batch.
//
// Shards must hold contiguous blocks of same-class records, each block's
// length a multiple of ExamplePerClass. The sampler never validates this: it
// pulls ExamplePerClass records per shard per turn while round-robining over
// a bounded cycle of open shards, so the guarantee that consecutive runs
// share a class comes entirely from the shard layout. A violated layout
// degrades batch composition silently, it does not fail.
//
// The pipeline is catalog → per-pass shuffle → cycle interleave → ordered
// parallel deserialize → repeat → batch → prefetch. Every stage is lazy;
// memory is bounded by the cycle size and the prefetch depth regardless of
// how long the stream runs.
package sampler

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sampler yields fixed-size batches of deserialized examples. Construct with
// New, consume with Next, and always Close when done so shard readers and
// background goroutines are released.
type Sampler[E any] struct {
	cfg    Config
	fn     DeserializeFunc[E]
	shards []string
	pf     *prefetch[[]E]

	mu  sync.Mutex
	err error // sticky fatal error
}

// New validates cfg, discovers the shard files, and starts the background
// producer. It returns ErrNoShards (wrapped) when nothing matches the shard
// pattern, before any batch work begins.
func New[E any](cfg Config, fn DeserializeFunc[E]) (*Sampler[E], error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid sampler config")
	}
	if fn == nil {
		return nil, errors.New("deserialize function is required")
	}
	shards, err := discoverShards(cfg.ShardPath, cfg.ShardSuffix)
	if err != nil {
		return nil, err
	}
	s := &Sampler[E]{cfg: cfg, fn: fn, shards: shards}
	s.pf = newPrefetch(cfg.PrefetchSize, s.produce)
	return s, nil
}

// produce runs on the prefetch goroutine: it repeats passes over the shards,
// groups the record stream into batches, and pushes them downstream. Batches
// may span pass boundaries; only the trailing group at true stream end (finite
// repeats) is dropped when short.
func (s *Sampler[E]) produce(emit func([]E) bool) error {
	seed := s.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	buf := make([]E, 0, s.cfg.BatchSize)
	for pass := 0; s.cfg.NumRepeat == RepeatForever || pass < s.cfg.NumRepeat; pass++ {
		order := shuffleShards(s.shards, rng)
		klog.V(1).Infof("pass %d: shard order %v", pass, order)

		cyc, err := newCycle(order, s.cfg.ExamplePerClass, s.cfg.CycleLength, s.cfg.Compression, s.cfg.AsyncCycle)
		if err != nil {
			return err
		}
		pr := newPassReader(cyc, s.fn, s.cfg.Parallelism)
		for {
			example, err := pr.next()
			if err == io.EOF {
				break
			}
			if err != nil {
				pr.close()
				return err
			}
			buf = append(buf, example)
			if len(buf) == s.cfg.BatchSize {
				batch := make([]E, s.cfg.BatchSize)
				copy(batch, buf)
				buf = buf[:0]
				if !emit(batch) {
					pr.close()
					return nil
				}
			}
		}
		pr.close()
	}
	if n := len(buf); n > 0 {
		// A short trailing batch would break the class-composition
		// contract, so it is dropped rather than emitted.
		klog.V(1).Infof("dropping %d trailing examples short of a full batch", n)
	}
	return nil
}

// Next returns the next batch of exactly BatchSize examples. It returns
// io.EOF once a finite stream is exhausted (and keeps returning it), or the
// fatal error that tore the stream down. Batches arrive in the order they
// were produced.
func (s *Sampler[E]) Next() ([]E, error) {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	batch, err := s.pf.next()
	if err != nil && err != io.EOF {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}
	return batch, err
}

// Close tears down the whole pipeline: the prefetch producer, the current
// pass's workers, and every open shard reader. Safe to call more than once
// and at any point of consumption.
func (s *Sampler[E]) Close() {
	s.pf.close()
}

// BatchSize returns the configured (defaults applied) batch size.
func (s *Sampler[E]) BatchSize() int { return s.cfg.BatchSize }

// NumShards returns how many shard files the catalog discovered.
func (s *Sampler[E]) NumShards() int { return len(s.shards) }
