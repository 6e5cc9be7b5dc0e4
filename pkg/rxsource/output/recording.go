package output

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/norasector/turbine-common/types"
)

// RecordingOutput writes samples as little endian complex64 (cf32), the
// format the file backend plays back.
type RecordingOutput struct {
	w       *bufio.Writer
	closer  io.Closer
	scratch []byte
	written int64
}

func NewRecordingOutput(w io.Writer) *RecordingOutput {
	r := &RecordingOutput{w: bufio.NewWriterSize(w, 1<<18)}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// NewFileRecordingOutput creates or truncates path.
func NewFileRecordingOutput(path string) (*RecordingOutput, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return NewRecordingOutput(f), nil
}

func (r *RecordingOutput) Name() string { return "recording" }

func (r *RecordingOutput) Write(seg *types.SegmentComplex64) error {
	need := len(seg.Data) * 8
	if cap(r.scratch) < need {
		r.scratch = make([]byte, need)
	}
	buf := r.scratch[:need]
	for i, v := range seg.Data {
		binary.LittleEndian.PutUint32(buf[i*8:], math.Float32bits(real(v)))
		binary.LittleEndian.PutUint32(buf[i*8+4:], math.Float32bits(imag(v)))
	}
	n, err := r.w.Write(buf)
	r.written += int64(n)
	return err
}

// Samples returns the number of complete samples written so far.
func (r *RecordingOutput) Samples() int64 {
	return r.written / 8
}

func (r *RecordingOutput) Close() error {
	err := r.w.Flush()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
