package sampler

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/simhash/shardstream/tfrecord"
)

// block is one scheduler turn's worth of raw records, all pulled from the
// same shard. Under the per-shard contiguity precondition every full block
// belongs to a single class.
type block struct {
	shard   string
	base    int // index of the first record within its shard
	records [][]byte
}

// slot is one of the cycle's open shard positions. read pulls up to n records
// from the slot's current shard and reports whether that shard is exhausted;
// assign hands the slot its next shard once the previous one is done.
type slot interface {
	read(n int) (blk block, done bool, err error)
	assign(path string) error
	close() error
}

// cycle merges up to cycleLength shard streams into one interleaved stream:
// round-robin over the open slots, pulling exactly examplePerClass records
// per turn. An exhausted shard is closed and its slot refilled from the
// shuffled remainder; when the catalog is drained the slot retires and the
// cycle shrinks until the pass ends.
//
// Output order is a pure function of the shard order and shard contents,
// regardless of whether slots fetch synchronously or through per-slot
// goroutines: every merge and refill decision is made here, on one thread.
type cycle struct {
	epc   int
	queue []string
	slots []slot
	turn  int

	stop   chan struct{} // signals async workers to quit
	wg     sync.WaitGroup
	closed bool
}

// newCycle opens the first cycleLength shards of the (already shuffled) list
// and queues the rest.
func newCycle(shards []string, epc, cycleLength int, compression tfrecord.Compression, async bool) (*cycle, error) {
	n := cycleLength
	if n == 0 || n > len(shards) {
		if n > len(shards) {
			klog.V(1).Infof("cycle length %d clamped to %d shards", n, len(shards))
		}
		n = len(shards)
	}

	c := &cycle{
		epc:   epc,
		queue: shards[n:],
		slots: make([]slot, 0, n),
	}
	if async {
		c.stop = make(chan struct{})
	}
	for _, path := range shards[:n] {
		var s slot
		if async {
			s = newAsyncSlot(compression, epc, c.stop, &c.wg)
		} else {
			s = &syncSlot{compression: compression}
		}
		if err := s.assign(path); err != nil {
			c.close()
			return nil, err
		}
		c.slots = append(c.slots, s)
	}
	return c, nil
}

// next returns the next interleaved block, or io.EOF once every shard of the
// pass is exhausted.
func (c *cycle) next() (block, error) {
	for len(c.slots) > 0 {
		s := c.slots[c.turn]
		blk, done, err := s.read(c.epc)
		if err != nil {
			return block{}, err
		}
		if !done {
			c.turn = (c.turn + 1) % len(c.slots)
			return blk, nil
		}

		if len(c.queue) > 0 {
			path := c.queue[0]
			c.queue = c.queue[1:]
			if err := s.assign(path); err != nil {
				return block{}, err
			}
			if len(blk.records) == 0 {
				// Exhausted exactly at a block boundary: the refilled
				// slot inherits this turn.
				continue
			}
		} else {
			if err := s.close(); err != nil {
				return block{}, err
			}
			c.slots = append(c.slots[:c.turn], c.slots[c.turn+1:]...)
			if c.turn >= len(c.slots) {
				c.turn = 0
			}
			if len(blk.records) == 0 {
				continue
			}
			return blk, nil
		}

		// Short final block from a shard whose record count is not a
		// multiple of epc. Emitted as-is; batch composition degrades
		// rather than failing.
		c.turn = (c.turn + 1) % len(c.slots)
		return blk, nil
	}
	return block{}, io.EOF
}

// close tears down all open readers and fetch workers. Idempotent.
func (c *cycle) close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var firstErr error
	for _, s := range c.slots {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.slots = nil
	if c.stop != nil {
		close(c.stop)
		c.wg.Wait()
	}
	return firstErr
}

// syncSlot reads its shard directly on the scheduler's thread. This is the
// recommended default: the added coordination of async fetching rarely pays
// for itself.
type syncSlot struct {
	compression tfrecord.Compression
	path        string
	r           *tfrecord.FileReader
	pos         int
}

func (s *syncSlot) assign(path string) error {
	r, err := tfrecord.Open(path, s.compression)
	if err != nil {
		return err
	}
	s.path = path
	s.r = r
	s.pos = 0
	return nil
}

func (s *syncSlot) read(n int) (block, bool, error) {
	blk := block{shard: s.path, base: s.pos}
	for len(blk.records) < n {
		rec, err := s.r.Next()
		if err == io.EOF {
			cerr := s.r.Close()
			s.r = nil
			if cerr != nil {
				return blk, true, errors.Wrapf(cerr, "closing shard %s", s.path)
			}
			return blk, true, nil
		}
		if err != nil {
			s.r.Close()
			s.r = nil
			return blk, true, errors.Wrapf(err, "reading shard %s", s.path)
		}
		blk.records = append(blk.records, rec)
		s.pos++
	}
	return blk, false, nil
}

func (s *syncSlot) close() error {
	if s.r == nil {
		return nil
	}
	err := s.r.Close()
	s.r = nil
	return err
}

// asyncSlot runs a dedicated fetch goroutine that reads blocks ahead of the
// scheduler. The worker only prefetches; which shard it reads and where its
// blocks land in the output are still decided by the cycle, so enabling async
// fetching never changes the interleaving.
type asyncSlot struct {
	jobs    chan string
	results chan fetchResult
	stop    chan struct{}
	retired bool
}

type fetchResult struct {
	blk  block
	done bool
	err  error
}

func newAsyncSlot(compression tfrecord.Compression, epc int, stop chan struct{}, wg *sync.WaitGroup) *asyncSlot {
	s := &asyncSlot{
		jobs:    make(chan string, 1),
		results: make(chan fetchResult, 1),
		stop:    stop,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.run(compression, epc)
	}()
	return s
}

func (s *asyncSlot) run(compression tfrecord.Compression, epc int) {
	inner := &syncSlot{compression: compression}
	defer inner.close()
	for {
		var path string
		var ok bool
		select {
		case <-s.stop:
			return
		case path, ok = <-s.jobs:
			if !ok {
				return
			}
		}
		if err := inner.assign(path); err != nil {
			select {
			case s.results <- fetchResult{err: err}:
			case <-s.stop:
			}
			return
		}
		for {
			blk, done, err := inner.read(epc)
			select {
			case s.results <- fetchResult{blk: blk, done: done, err: err}:
			case <-s.stop:
				return
			}
			if err != nil {
				return
			}
			if done {
				break
			}
		}
	}
}

func (s *asyncSlot) assign(path string) error {
	// Only called before the worker has been handed its first shard, or
	// after it reported the previous shard done; the buffered channel makes
	// this send non-blocking in both cases.
	s.jobs <- path
	return nil
}

func (s *asyncSlot) read(n int) (block, bool, error) {
	select {
	case res := <-s.results:
		return res.blk, res.done, res.err
	case <-s.stop:
		return block{}, true, errors.New("sampler closed")
	}
}

func (s *asyncSlot) close() error {
	if !s.retired {
		s.retired = true
		close(s.jobs)
	}
	return nil
}
