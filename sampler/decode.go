package sampler

import (
	"io"
	"sync"
)

// DeserializeFunc maps one raw record payload to a typed example. It must be
// stateless: the sampler applies it from several goroutines at once.
type DeserializeFunc[E any] func(raw []byte) (E, error)

// rawRecord carries a record's payload together with its provenance, so a
// deserialize failure can name the exact record that caused it.
type rawRecord struct {
	shard string
	index int
	data  []byte
}

type decodeResult[E any] struct {
	example E
	err     error
}

type decodeJob[E any] struct {
	rec rawRecord
	out chan decodeResult[E]
}

// passReader drains one full pass over the shards: the cycle's interleaved
// block stream, flattened to records and deserialized by a pool of
// parallelism workers. Output order matches input order exactly — each record
// is assigned a result channel in stream order before any worker touches it,
// and the consumer awaits those channels in the same order.
type passReader[E any] struct {
	cyc     *cycle
	pending chan chan decodeResult[E]
	stop    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

func newPassReader[E any](cyc *cycle, fn DeserializeFunc[E], parallelism int) *passReader[E] {
	if parallelism < 1 {
		parallelism = 1
	}
	p := &passReader[E]{
		cyc:     cyc,
		pending: make(chan chan decodeResult[E], parallelism),
		stop:    make(chan struct{}),
	}

	jobs := make(chan decodeJob[E])
	for range parallelism {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range jobs {
				example, err := fn(job.rec.data)
				if err != nil {
					err = &DecodeError{Shard: job.rec.shard, Index: job.rec.index, Err: err}
				}
				job.out <- decodeResult[E]{example: example, err: err}
			}
		}()
	}

	// The dispatcher is the only goroutine touching the cycle.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.pending)
		defer close(jobs)
		for {
			blk, err := cyc.next()
			if err == io.EOF {
				return
			}
			if err != nil {
				// Deliver the failure in stream position, after every
				// record dispatched before it.
				out := make(chan decodeResult[E], 1)
				out <- decodeResult[E]{err: err}
				select {
				case p.pending <- out:
				case <-p.stop:
				}
				return
			}
			for i, data := range blk.records {
				job := decodeJob[E]{
					rec: rawRecord{shard: blk.shard, index: blk.base + i, data: data},
					out: make(chan decodeResult[E], 1),
				}
				select {
				case p.pending <- job.out:
				case <-p.stop:
					return
				}
				select {
				case jobs <- job:
				case <-p.stop:
					return
				}
			}
		}
	}()
	return p
}

// next returns the next deserialized example in stream order, io.EOF at the
// end of the pass, or the error that aborted it.
func (p *passReader[E]) next() (E, error) {
	out, ok := <-p.pending
	if !ok {
		var zero E
		return zero, io.EOF
	}
	res := <-out
	return res.example, res.err
}

// close tears down the pass: dispatcher and workers first, then the cycle's
// readers, so no reader is closed while still in use.
func (p *passReader[E]) close() {
	if p.closed {
		return
	}
	p.closed = true
	close(p.stop)
	p.wg.Wait()
	p.cyc.close()
}
