package sampler

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"

	"github.com/simhash/shardstream/tfrecord"
)

// RepeatForever makes the sampler cycle over the shards indefinitely.
const RepeatForever = -1

// Config holds the construction parameters of a Sampler. All fields are
// validated up front; a zero value falls back to its documented default.
type Config struct {
	// ShardPath is the directory scanned for shard files. Required.
	ShardPath string

	// ShardSuffix is the filename glob used to collect shards inside
	// ShardPath. Defaults to "*.tfrec".
	ShardSuffix string

	// ExamplePerClass is the number of consecutive records pulled from one
	// shard per scheduler turn. With shards holding contiguous class blocks
	// whose lengths are multiples of this value, every run of
	// ExamplePerClass examples in a batch belongs to one class.
	// Defaults to 2.
	ExamplePerClass int

	// BatchSize is the number of examples per emitted batch. The number of
	// classes per batch is BatchSize / ExamplePerClass. Defaults to 32.
	BatchSize int

	// CycleLength is how many shards are read concurrently. 0 means all of
	// them; larger values are clamped to the shard count.
	CycleLength int

	// Compression is the codec the shard files were written with.
	Compression tfrecord.Compression

	// Parallelism is the number of goroutines deserializing records.
	// 0 means runtime.NumCPU().
	Parallelism int

	// AsyncCycle starts one fetch goroutine per open shard so blocks are
	// read ahead concurrently. Output order is identical either way; the
	// sequential default is usually just as fast.
	AsyncCycle bool

	// PrefetchSize is how many batches are staged ahead of the consumer.
	// Defaults to 10.
	PrefetchSize int

	// NumRepeat is how many passes to make over the shards, or
	// RepeatForever. Defaults to RepeatForever; 0 is invalid.
	NumRepeat int

	// Seed drives shard-order shuffling. Two samplers with the same Seed
	// and inputs produce identical batch sequences. 0 seeds from the clock.
	Seed int64
}

const (
	defaultShardSuffix     = "*.tfrec"
	defaultExamplePerClass = 2
	defaultBatchSize       = 32
	defaultPrefetchSize    = 10
)

// withDefaults returns a copy of c with zero-valued fields replaced by their
// defaults. Validation runs on the result.
func (c Config) withDefaults() Config {
	if c.ShardSuffix == "" {
		c.ShardSuffix = defaultShardSuffix
	}
	if c.ExamplePerClass == 0 {
		c.ExamplePerClass = defaultExamplePerClass
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Parallelism == 0 {
		c.Parallelism = runtime.NumCPU()
	}
	if c.PrefetchSize == 0 {
		c.PrefetchSize = defaultPrefetchSize
	}
	if c.NumRepeat == 0 {
		c.NumRepeat = RepeatForever
	}
	return c
}

// validate checks a defaults-applied Config.
func (c Config) validate() error {
	if c.ShardPath == "" {
		return errors.New("ShardPath is required")
	}
	if c.ExamplePerClass < 0 {
		return errors.Errorf("ExamplePerClass must be positive, got %d", c.ExamplePerClass)
	}
	if c.BatchSize < 0 {
		return errors.Errorf("BatchSize must be positive, got %d", c.BatchSize)
	}
	if c.CycleLength < 0 {
		return errors.Errorf("CycleLength must be non-negative, got %d", c.CycleLength)
	}
	if c.Parallelism < 0 {
		return errors.Errorf("Parallelism must be non-negative, got %d", c.Parallelism)
	}
	if c.PrefetchSize < 0 {
		return errors.Errorf("PrefetchSize must be non-negative, got %d", c.PrefetchSize)
	}
	if c.NumRepeat < RepeatForever {
		return errors.Errorf("NumRepeat must be positive or RepeatForever, got %d", c.NumRepeat)
	}
	if !c.Compression.Valid() {
		return errors.Errorf("unknown compression %q", c.Compression)
	}
	return nil
}

// ErrNoShards is returned by New when no shard files match the configured
// pattern. An empty pipeline is a configuration error, not a valid stream.
var ErrNoShards = errors.New("no shard files matched")

// DecodeError reports a record that the deserialize function rejected. It
// aborts the stream at exactly the position the record would have been
// consumed; records are never silently skipped, since dropping one would
// corrupt the class balance of every following batch.
type DecodeError struct {
	// Shard is the path of the shard file holding the record.
	Shard string
	// Index is the record's position within its shard.
	Index int
	// Err is the deserialize function's error.
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding record %d of shard %s: %v", e.Index, e.Shard, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
