package sampler

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Dataset adapts a Sampler of Examples to gomlx's train.Dataset interface:
// each Yield is one balanced batch, inputs a (batch, dim) float32 tensor and
// labels a (batch,) int32 tensor. Exhaustion of a finite sampler surfaces as
// io.EOF, which the gomlx training loop treats as the normal end of data.
//
// To avoid leaking the producer goroutines, call Done when the dataset is no
// longer needed.
type Dataset struct {
	name    string
	cfg     Config
	sampler *Sampler[Example]

	resets   int64
	resetErr error
}

// NewDataset opens a sampler over cfg using the built-in Example layout and
// wraps it as a train.Dataset.
func NewDataset(name string, cfg Config) (*Dataset, error) {
	s, err := New(cfg, DecodeExample)
	if err != nil {
		return nil, err
	}
	return &Dataset{name: name, cfg: cfg, sampler: s}, nil
}

// Name implements train.Dataset.
func (d *Dataset) Name() string { return d.name }

// ShortName implements train.HasShortName.
func (d *Dataset) ShortName() string {
	if len(d.name) <= 3 {
		return d.name
	}
	return d.name[:3]
}

// Yield implements train.Dataset.
func (d *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if d.resetErr != nil {
		err = d.resetErr
		return
	}
	batch, err := d.sampler.Next()
	if err != nil {
		// io.EOF passes through untouched: it is the trainer's normal
		// end-of-data signal.
		return
	}

	dim := len(batch[0].Features)
	features := make([][]float32, len(batch))
	classes := make([]int32, len(batch))
	for i, ex := range batch {
		if len(ex.Features) != dim {
			err = errors.Errorf("inconsistent feature dim in batch: example 0 has %d, example %d has %d",
				dim, i, len(ex.Features))
			return
		}
		features[i] = ex.Features
		classes[i] = ex.Label
	}
	inputs = []*tensors.Tensor{tensors.FromAnyValue(features)}
	labels = []*tensors.Tensor{tensors.FromAnyValue(classes)}
	return
}

// Reset implements train.Dataset: it tears the sampler down and rebuilds it
// for a fresh run. A seeded dataset derives a new seed per reset so epochs
// differ while the whole training run stays reproducible. A rebuild failure
// is reported by the next Yield.
func (d *Dataset) Reset() {
	d.sampler.Close()
	d.resets++
	cfg := d.cfg
	if cfg.Seed != 0 {
		cfg.Seed += d.resets
	}
	s, err := New(cfg, DecodeExample)
	if err != nil {
		klog.Warningf("Dataset %q failed to reopen on Reset: %v", d.name, err)
		d.resetErr = err
		return
	}
	d.sampler = s
	d.resetErr = nil
}

// Done releases the underlying sampler. The dataset must not be used after.
func (d *Dataset) Done() {
	d.sampler.Close()
}

// BatchSize returns the sampler's batch size; consumers derive steps per
// epoch as totalExamples / BatchSize.
func (d *Dataset) BatchSize() int { return d.sampler.BatchSize() }
