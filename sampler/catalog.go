package sampler

import (
	"math/rand"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// discoverShards globs ShardPath/ShardSuffix and returns the matching shard
// paths in lexical order. Ordering here only fixes a stable base for the
// per-pass shuffle; it carries no meaning of its own.
func discoverShards(dir, suffix string) ([]string, error) {
	pattern := filepath.Join(dir, suffix)
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "bad shard pattern %q", pattern)
	}
	if len(paths) == 0 {
		return nil, errors.Wrapf(ErrNoShards, "pattern %q", pattern)
	}
	sort.Strings(paths)
	klog.Infof("found %d shards under %s", len(paths), dir)
	klog.V(1).Infof("shards: %v", paths)
	return paths, nil
}

// shuffleShards returns a fresh permutation of paths. Each pass draws a new
// permutation from the sampler's root RNG, so successive passes see different
// shard orders while the whole run stays reproducible from one seed.
func shuffleShards(paths []string, rng *rand.Rand) []string {
	out := make([]string, len(paths))
	copy(out, paths)
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}
