// Command shardstats streams balanced batches out of a shard directory and
// reports how well the class-composition contract holds: distinct classes per
// batch, class-block integrity, and throughput. It can also generate
// synthetic shards (contiguous class blocks) to exercise a pipeline before
// real data exists, and render the per-batch class histogram to a PNG.
//
// Examples:
//
//	shardstats -shards data/train -batches 200 -plot classes.png
//	shardstats -shards /tmp/demo -gen-shards 8 -gen-classes 32 -batches 50
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/simhash/shardstream/sampler"
	"github.com/simhash/shardstream/tfrecord"
)

func main() {
	shardDir := flag.String("shards", "", "directory holding the shard files (required)")
	suffix := flag.String("suffix", "*.tfrec", "glob pattern for shard filenames")
	compression := flag.String("compression", "", `shard compression: "", "ZLIB" or "GZIP"`)
	epc := flag.Int("epc", 2, "examples pulled per class per scheduler turn")
	batchSize := flag.Int("batch", 32, "examples per batch")
	cycleLength := flag.Int("cycle", 0, "shards open concurrently (0 = all)")
	async := flag.Bool("async", false, "fetch cycle blocks on per-shard goroutines")
	parallelism := flag.Int("parallelism", 0, "deserialization workers (0 = NumCPU)")
	repeat := flag.Int("repeat", sampler.RepeatForever, "passes over the shards (-1 = infinite)")
	numBatches := flag.Int("batches", 100, "how many batches to stream")
	seed := flag.Int64("seed", time.Now().UnixNano(), "shuffle seed")
	plotPath := flag.String("plot", "", "if set, write a classes-per-batch histogram PNG here")

	genShards := flag.Int("gen-shards", 0, "if > 0, generate this many synthetic shards into -shards first")
	genClasses := flag.Int("gen-classes", 16, "synthetic data: number of classes")
	genBlock := flag.Int("gen-block", 8, "synthetic data: records per class block (multiple of -epc)")
	genDim := flag.Int("gen-dim", 16, "synthetic data: feature dimension")

	flag.Parse()

	if *shardDir == "" {
		log.Fatal("missing required -shards directory")
	}
	if *epc <= 0 || *batchSize <= 0 {
		log.Fatal("-epc and -batch must be positive")
	}

	if *genShards > 0 {
		if err := generateShards(*shardDir, *genShards, *genClasses, *genBlock, *genDim,
			tfrecord.Compression(*compression), *seed); err != nil {
			log.Fatalf("failed to generate shards: %v", err)
		}
	}

	reportShardSizes(*shardDir, *suffix)

	cfg := sampler.Config{
		ShardPath:       *shardDir,
		ShardSuffix:     *suffix,
		ExamplePerClass: *epc,
		BatchSize:       *batchSize,
		CycleLength:     *cycleLength,
		Compression:     tfrecord.Compression(*compression),
		Parallelism:     *parallelism,
		AsyncCycle:      *async,
		NumRepeat:       *repeat,
		Seed:            *seed,
	}
	s, err := sampler.New(cfg, sampler.DecodeExample)
	if err != nil {
		log.Fatalf("failed to open sampler: %v", err)
	}
	defer s.Close()

	classesPerBatch := make(plotter.Values, 0, *numBatches)
	brokenBlocks := 0
	examples := 0
	start := time.Now()

	for i := 0; i < *numBatches; i++ {
		batch, err := s.Next()
		if err == io.EOF {
			log.Printf("stream exhausted after %d batches", i)
			break
		}
		if err != nil {
			log.Fatalf("sampling failed at batch %d: %v", i, err)
		}
		distinct, broken := batchComposition(batch, *epc)
		classesPerBatch = append(classesPerBatch, float64(distinct))
		brokenBlocks += broken
		examples += len(batch)
	}
	elapsed := time.Since(start)

	if len(classesPerBatch) == 0 {
		log.Fatal("no batches produced")
	}
	log.Printf("streamed %d batches (%d examples) in %v (%.0f examples/s)",
		len(classesPerBatch), examples, elapsed.Round(time.Millisecond),
		float64(examples)/elapsed.Seconds())
	log.Printf("distinct classes per batch: min=%d mean=%.2f max=%d (expected %d)",
		int(minOf(classesPerBatch)), meanOf(classesPerBatch), int(maxOf(classesPerBatch)),
		*batchSize / *epc)
	if brokenBlocks > 0 {
		log.Printf("WARNING: %d class blocks mixed labels; shard layout likely violates the contiguity contract", brokenBlocks)
	} else {
		log.Printf("all class blocks intact")
	}

	if *plotPath != "" {
		if err := plotHistogram(*plotPath, classesPerBatch); err != nil {
			log.Fatalf("failed to write plot: %v", err)
		}
		log.Printf("histogram written to %s", *plotPath)
	}
}

// batchComposition returns the number of distinct labels in the batch and how
// many epc-sized blocks mix more than one label.
func batchComposition(batch []sampler.Example, epc int) (distinct, broken int) {
	seen := make(map[int32]bool)
	for _, ex := range batch {
		seen[ex.Label] = true
	}
	distinct = len(seen)
	for i := 0; i+epc <= len(batch); i += epc {
		label := batch[i].Label
		for j := 1; j < epc; j++ {
			if batch[i+j].Label != label {
				broken++
				break
			}
		}
	}
	return distinct, broken
}

// generateShards writes synthetic shards with contiguous class blocks:
// classes are dealt round-robin across shards, each class contributing one
// block of blockLen records with random features.
func generateShards(dir string, shards, classes, blockLen, dim int, compression tfrecord.Compression, seed int64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(seed))
	perShard := make([][]sampler.Example, shards)
	for class := 0; class < classes; class++ {
		sh := class % shards
		for r := 0; r < blockLen; r++ {
			features := make([]float32, dim)
			for d := range features {
				features[d] = rng.Float32()
			}
			perShard[sh] = append(perShard[sh], sampler.Example{Features: features, Label: int32(class)})
		}
	}
	total := 0
	for i, examples := range perShard {
		path := filepath.Join(dir, fmt.Sprintf("shard-%03d.tfrec", i))
		if err := sampler.WriteShard(path, compression, examples); err != nil {
			return err
		}
		total += len(examples)
	}
	log.Printf("generated %d shards with %d examples (%d classes × %d records)", shards, total, classes, blockLen)
	return nil
}

func reportShardSizes(dir, suffix string) {
	paths, err := filepath.Glob(filepath.Join(dir, suffix))
	if err != nil || len(paths) == 0 {
		return
	}
	var total uint64
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			total += uint64(info.Size())
		}
	}
	log.Printf("scanning %d shards, %s on disk", len(paths), humanize.Bytes(total))
}

func plotHistogram(path string, values plotter.Values) error {
	p := plot.New()
	p.Title.Text = "Distinct classes per batch"
	p.X.Label.Text = "classes"
	p.Y.Label.Text = "batches"

	h, err := plotter.NewHist(values, 16)
	if err != nil {
		return err
	}
	p.Add(h)
	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}

func minOf(v plotter.Values) float64 {
	m := v[0]
	for _, x := range v[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(v plotter.Values) float64 {
	m := v[0]
	for _, x := range v[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func meanOf(v plotter.Values) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
