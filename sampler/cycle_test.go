package sampler

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/simhash/shardstream/tfrecord"
)

// writeLabeledShard writes one record per label, in order, with a small
// feature vector encoding the label and the record's position.
func writeLabeledShard(t *testing.T, path string, labels []int32) {
	t.Helper()
	examples := make([]Example, len(labels))
	for i, label := range labels {
		examples[i] = Example{
			Features: []float32{float32(label), float32(i)},
			Label:    label,
		}
	}
	if err := WriteShard(path, tfrecord.CompressionNone, examples); err != nil {
		t.Fatalf("WriteShard(%s) failed: %v", path, err)
	}
}

// drainCycle collects the label sequence of every block until io.EOF.
func drainCycle(t *testing.T, c *cycle) [][]int32 {
	t.Helper()
	var blocks [][]int32
	for {
		blk, err := c.next()
		if err == io.EOF {
			return blocks
		}
		if err != nil {
			t.Fatalf("cycle.next failed: %v", err)
		}
		labels := make([]int32, len(blk.records))
		for i, raw := range blk.records {
			ex, err := DecodeExample(raw)
			if err != nil {
				t.Fatalf("decoding record %d of block: %v", i, err)
			}
			labels[i] = ex.Label
		}
		blocks = append(blocks, labels)
	}
}

func equalBlocks(a, b [][]int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

func TestCycleInterleavesBlocks(t *testing.T) {
	dir := t.TempDir()
	shardA := filepath.Join(dir, "a.tfrec")
	shardB := filepath.Join(dir, "b.tfrec")
	writeLabeledShard(t, shardA, []int32{0, 0, 0, 0, 1, 1, 1, 1})
	writeLabeledShard(t, shardB, []int32{2, 2, 2, 2, 3, 3, 3, 3})

	c, err := newCycle([]string{shardA, shardB}, 2, 2, tfrecord.CompressionNone, false)
	if err != nil {
		t.Fatalf("newCycle failed: %v", err)
	}
	defer c.close()

	got := drainCycle(t, c)
	want := [][]int32{
		{0, 0}, {2, 2},
		{0, 0}, {2, 2},
		{1, 1}, {3, 3},
		{1, 1}, {3, 3},
	}
	if !equalBlocks(got, want) {
		t.Fatalf("interleave order mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestCycleRefillsExhaustedSlot(t *testing.T) {
	dir := t.TempDir()
	s1 := filepath.Join(dir, "s1.tfrec")
	s2 := filepath.Join(dir, "s2.tfrec")
	s3 := filepath.Join(dir, "s3.tfrec")
	writeLabeledShard(t, s1, []int32{0, 0})
	writeLabeledShard(t, s2, []int32{1, 1, 1, 1})
	writeLabeledShard(t, s3, []int32{2, 2})

	c, err := newCycle([]string{s1, s2, s3}, 2, 2, tfrecord.CompressionNone, false)
	if err != nil {
		t.Fatalf("newCycle failed: %v", err)
	}
	defer c.close()

	got := drainCycle(t, c)
	// s1 drains first; s3 replaces it in the same slot, then the cycle
	// shrinks until s2 finishes.
	want := [][]int32{{0, 0}, {1, 1}, {2, 2}, {1, 1}}
	if !equalBlocks(got, want) {
		t.Fatalf("refill order mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestCycleShortFinalBlock(t *testing.T) {
	dir := t.TempDir()
	shard := filepath.Join(dir, "odd.tfrec")
	writeLabeledShard(t, shard, []int32{5, 5, 5})

	c, err := newCycle([]string{shard}, 2, 1, tfrecord.CompressionNone, false)
	if err != nil {
		t.Fatalf("newCycle failed: %v", err)
	}
	defer c.close()

	got := drainCycle(t, c)
	want := [][]int32{{5, 5}, {5}}
	if !equalBlocks(got, want) {
		t.Fatalf("short block mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestCycleLengthClamped(t *testing.T) {
	dir := t.TempDir()
	shardA := filepath.Join(dir, "a.tfrec")
	shardB := filepath.Join(dir, "b.tfrec")
	writeLabeledShard(t, shardA, []int32{0, 0})
	writeLabeledShard(t, shardB, []int32{1, 1})

	c, err := newCycle([]string{shardA, shardB}, 2, 64, tfrecord.CompressionNone, false)
	if err != nil {
		t.Fatalf("newCycle failed: %v", err)
	}
	defer c.close()

	got := drainCycle(t, c)
	want := [][]int32{{0, 0}, {1, 1}}
	if !equalBlocks(got, want) {
		t.Fatalf("clamped cycle mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestAsyncCycleMatchesSequential(t *testing.T) {
	dir := t.TempDir()
	shards := make([]string, 5)
	label := int32(0)
	for i := range shards {
		shards[i] = filepath.Join(dir, "s"+string(rune('a'+i))+".tfrec")
		// Uneven shard lengths so slots exhaust at different turns.
		var labels []int32
		for b := 0; b <= i; b++ {
			labels = append(labels, label, label, label, label)
			label++
		}
		writeLabeledShard(t, shards[i], labels)
	}

	seq, err := newCycle(shards, 2, 3, tfrecord.CompressionNone, false)
	if err != nil {
		t.Fatalf("newCycle(sequential) failed: %v", err)
	}
	defer seq.close()
	wantBlocks := drainCycle(t, seq)

	async, err := newCycle(shards, 2, 3, tfrecord.CompressionNone, true)
	if err != nil {
		t.Fatalf("newCycle(async) failed: %v", err)
	}
	defer async.close()
	gotBlocks := drainCycle(t, async)

	if !equalBlocks(gotBlocks, wantBlocks) {
		t.Fatalf("async interleave differs from sequential:\n got %v\nwant %v", gotBlocks, wantBlocks)
	}
}

func TestCycleCloseMidStream(t *testing.T) {
	dir := t.TempDir()
	shardA := filepath.Join(dir, "a.tfrec")
	writeLabeledShard(t, shardA, []int32{0, 0, 0, 0, 0, 0, 0, 0})

	for _, async := range []bool{false, true} {
		c, err := newCycle([]string{shardA}, 2, 1, tfrecord.CompressionNone, async)
		if err != nil {
			t.Fatalf("newCycle(async=%v) failed: %v", async, err)
		}
		if _, err := c.next(); err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if err := c.close(); err != nil {
			t.Fatalf("close failed: %v", err)
		}
		// Idempotent.
		if err := c.close(); err != nil {
			t.Fatalf("second close failed: %v", err)
		}
	}
}
