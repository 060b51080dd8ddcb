package dataset

import (
	"context"
	"fmt"
)

// #region encoding
// Encoding is a tokenized set of texts padded to a common length.
type Encoding struct {
	InputIDs      [][]int64
	AttentionMask [][]int64
}

// Tokenizer turns texts into padded, truncated token id rows.
type Tokenizer interface {
	Tokenize(ctx context.Context, texts []string, maxLen int) (Encoding, error)
}

// LabelMapper resolves raw emotion strings to canonical class ids.
type LabelMapper interface {
	MapAll(raw []string) ([]int, error)
}

// #endregion encoding

// #region dataset
// Batch is one contiguous slice of an encoded dataset.
type Batch struct {
	Texts         []string
	InputIDs      [][]int64
	AttentionMask [][]int64
	Labels        []int
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int { return len(b.Labels) }

// Dataset is an encoded corpus ready for batching.
type Dataset struct {
	Texts    []string
	Encoding Encoding
	Labels   []int
}

// Len returns the number of examples.
func (d *Dataset) Len() int { return len(d.Labels) }

// Encode tokenizes every text of the corpus in one call (so padding is to the
// longest sequence of the whole file) and maps its labels.
func Encode(ctx context.Context, tok Tokenizer, c Corpus, mapper LabelMapper, maxLen int) (*Dataset, error) {
	ids, err := mapper.MapAll(c.Labels)
	if err != nil {
		return nil, fmt.Errorf("map labels: %w", err)
	}
	enc, err := tok.Tokenize(ctx, c.Texts, maxLen)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	if len(enc.InputIDs) != len(c.Texts) {
		return nil, fmt.Errorf("tokenize: got %d rows for %d texts", len(enc.InputIDs), len(c.Texts))
	}
	return &Dataset{Texts: c.Texts, Encoding: enc, Labels: ids}, nil
}

// Batches splits the dataset into contiguous batches in file order. The final batch
// may be smaller than size.
func (d *Dataset) Batches(size int) []Batch {
	if size <= 0 {
		size = 1
	}
	n := d.Len()
	out := make([]Batch, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		b := Batch{
			Texts:  d.Texts[start:end],
			Labels: d.Labels[start:end],
		}
		if len(d.Encoding.InputIDs) == n {
			b.InputIDs = d.Encoding.InputIDs[start:end]
		}
		if len(d.Encoding.AttentionMask) == n {
			b.AttentionMask = d.Encoding.AttentionMask[start:end]
		}
		out = append(out, b)
	}
	return out
}

// #endregion dataset
