// Package compression provides the deflate-family codec the trace store
// (C1) uses to compress event_data blobs. The level is fixed at build
// time per spec §4.1 — callers cannot tune it per call, only at
// NewCodec construction, matching the teacher's http_compressor pooling
// pattern but narrowed to the single algorithm family the spec requires.
package compression

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ratioHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_core_tracestore_compression_ratio",
		Help:    "Compressed size as a fraction of original size for trace rows",
		Buckets: []float64{0.05, 0.1, 0.15, 0.2, 0.3, 0.5, 0.75, 1.0},
	})
	bytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_core_tracestore_compression_bytes_in_total",
		Help: "Total uncompressed bytes handed to the codec",
	})
	bytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_core_tracestore_compression_bytes_out_total",
		Help: "Total compressed bytes produced by the codec",
	})
)

// Level is the fixed deflate level used for all trace rows in a given
// store. klauspost/compress/flate's BestCompression is what achieves the
// 7-10x ratio on representative JSON events the spec asks for.
const Level = flate.BestCompression

// Codec compresses and decompresses event_data blobs with a pool of
// reusable flate writers, matching the teacher's compressionPool idiom.
type Codec struct {
	writers sync.Pool
}

// NewCodec constructs a Codec fixed at the build-time Level.
func NewCodec() *Codec {
	c := &Codec{}
	c.writers.New = func() interface{} {
		w, err := flate.NewWriter(nil, Level)
		if err != nil {
			// Level is a compile-time constant; flate only rejects levels
			// outside [-2,9], so this can never happen in practice.
			panic(fmt.Sprintf("compression: invalid flate level %d: %v", Level, err))
		}
		return w
	}
	return c
}

// Compress deflates data, returning the compressed bytes.
func (c *Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := c.writers.Get().(*flate.Writer)
	defer c.writers.Put(w)
	w.Reset(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compression: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compression: close: %w", err)
	}

	bytesIn.Add(float64(len(data)))
	bytesOut.Add(float64(buf.Len()))
	if len(data) > 0 {
		ratioHistogram.Observe(float64(buf.Len()) / float64(len(data)))
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Decompress inflates data produced by Compress. It round-trips
// byte-for-byte with the original input (spec §3 invariant b).
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("compression: inflate: %w", err)
	}
	return out.Bytes(), nil
}
