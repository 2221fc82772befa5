package sampler

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/simhash/shardstream/tfrecord"
)

// Example is a feature vector with its class label, the unit consumed by
// metric-learning losses.
type Example struct {
	Features []float32
	Label    int32
}

// The built-in record layout is little endian:
//
//	int32 label | int32 dim | dim × float32 features
//
// Callers with their own payload format supply their own DeserializeFunc
// instead; nothing in the sampler depends on this layout.

// DecodeExample deserializes one record in the built-in layout.
func DecodeExample(raw []byte) (Example, error) {
	if len(raw) < 8 {
		return Example{}, errors.Errorf("record too short: %d bytes", len(raw))
	}
	label := int32(binary.LittleEndian.Uint32(raw[0:4]))
	dim := int(int32(binary.LittleEndian.Uint32(raw[4:8])))
	if dim < 0 || len(raw) != 8+4*dim {
		return Example{}, errors.Errorf("record size %d does not match feature dim %d", len(raw), dim)
	}
	features := make([]float32, dim)
	for i := range features {
		features[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[8+4*i:]))
	}
	return Example{Features: features, Label: label}, nil
}

// AppendExample serializes ex in the built-in layout, appending to dst.
func AppendExample(dst []byte, ex Example) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(ex.Label))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(ex.Features)))
	for _, f := range ex.Features {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(f))
	}
	return dst
}

// WriteShard writes examples to a shard file in shard order. The caller is
// responsible for the layout contract: examples grouped by class in
// contiguous blocks whose lengths are multiples of the sampler's
// ExamplePerClass.
func WriteShard(path string, compression tfrecord.Compression, examples []Example) error {
	w, err := tfrecord.Create(path, compression)
	if err != nil {
		return err
	}
	var buf []byte
	for i, ex := range examples {
		buf = AppendExample(buf[:0], ex)
		if err := w.Write(buf); err != nil {
			w.Close()
			return errors.Wrapf(err, "writing example %d to %s", i, path)
		}
	}
	return w.Close()
}
