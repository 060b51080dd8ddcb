package head

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/mat"
)

// #region checkpoint-types
// checkpoint is the on-disk form of a head: architecture plus raw parameter values.
// The frozen backbone is never part of it.
type checkpoint struct {
	Kind    Kind
	In      int
	Out     int
	Dropout float64
	Params  []savedParam
}

type savedParam struct {
	Name string
	Rows int
	Cols int
	Data []float64
}

// #endregion checkpoint-types

// #region save
// Save writes the head's parameters as zstd-compressed gob.
func Save(w io.Writer, h Head) error {
	ck := checkpoint{Kind: h.Kind(), In: h.In(), Out: h.Out()}
	if m, ok := h.(*MLP); ok {
		ck.Dropout = m.Dropout()
	}
	for _, p := range h.Params() {
		r, c := p.Value.Dims()
		ck.Params = append(ck.Params, savedParam{
			Name: p.Name,
			Rows: r,
			Cols: c,
			Data: append([]float64(nil), p.Value.RawMatrix().Data...),
		})
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if err := gob.NewEncoder(enc).Encode(ck); err != nil {
		enc.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return enc.Close()
}

// SaveFile writes a checkpoint to path, creating parent directories.
func SaveFile(path string, h Head) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	var buf bytes.Buffer
	if err := Save(&buf, h); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// #endregion save

// #region load
// Load restores a head written by Save.
func Load(r io.Reader) (Head, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	var ck checkpoint
	if err := gob.NewDecoder(dec).Decode(&ck); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}

	// Values are overwritten below.
	h, err := New(ck.Kind, ck.In, ck.Out, ck.Dropout, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, fmt.Errorf("rebuild head: %w", err)
	}
	params := h.Params()
	if len(params) != len(ck.Params) {
		return nil, fmt.Errorf("checkpoint has %d params, head expects %d", len(ck.Params), len(params))
	}
	for i, p := range params {
		sp := ck.Params[i]
		r, c := p.Value.Dims()
		if sp.Name != p.Name || sp.Rows != r || sp.Cols != c || len(sp.Data) != r*c {
			return nil, fmt.Errorf("param %s: shape mismatch (%s %dx%d)", p.Name, sp.Name, sp.Rows, sp.Cols)
		}
		p.Value.Copy(mat.NewDense(r, c, sp.Data))
	}
	return h, nil
}

// LoadFile reads a checkpoint from path.
func LoadFile(path string) (Head, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// #endregion load
