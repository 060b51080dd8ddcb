package dataset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/buger/jsonparser"
)

// #region types
// ErrFormat is returned when the input does not have the expected nested shape.
var ErrFormat = errors.New("dataset format")

// Corpus holds utterance texts and raw emotion labels in document order, then
// utterance order within each document.
type Corpus struct {
	Texts  []string
	Labels []string

	// Per-document grouping, kept for reporting. Utterances are modeled independently.
	Docs     []string
	DocSizes []int
}

// Len returns the number of utterances.
func (c Corpus) Len() int { return len(c.Texts) }

// #endregion types

// #region load
// Load reads a dialogue file shaped as
//
//	{"<doc id>": [[{"utterance": "...", "emotion": "..."}, ...], ...], ...}
//
// Only the first element of each document array is read.
func Load(path string) (Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Corpus{}, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Corpus{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes an in-memory dialogue document. Key order of the top-level object is
// preserved, which a map-based decode would lose. A repeated document key keeps its first
// position and its last value.
func Parse(data []byte) (Corpus, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Corpus{}, fmt.Errorf("%w: top level is not an object", ErrFormat)
	}
	// ObjectEach stops at the closing brace and tolerates trailing commas.
	if !json.Valid(trimmed) {
		return Corpus{}, fmt.Errorf("%w: invalid JSON", ErrFormat)
	}

	var docs []document
	index := make(map[string]int)
	err := jsonparser.ObjectEach(trimmed, func(key, value []byte, typ jsonparser.ValueType, _ int) error {
		d := parseDocument(string(key), value, typ)
		if i, ok := index[d.id]; ok {
			docs[i] = d
			return nil
		}
		index[d.id] = len(docs)
		docs = append(docs, d)
		return nil
	})
	if err != nil {
		return Corpus{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	var c Corpus
	for _, d := range docs {
		if d.err != nil {
			return Corpus{}, d.err
		}
		c.Texts = append(c.Texts, d.texts...)
		c.Labels = append(c.Labels, d.labels...)
		c.Docs = append(c.Docs, d.id)
		c.DocSizes = append(c.DocSizes, len(d.texts))
	}
	return c, nil
}

// document is one top-level entry. A shape error is held until duplicates are resolved,
// since a later value for the same key replaces it.
type document struct {
	id     string
	texts  []string
	labels []string
	err    error
}

func parseDocument(id string, value []byte, typ jsonparser.ValueType) document {
	d := document{id: id}
	if typ != jsonparser.Array {
		d.err = fmt.Errorf("%w: document %q is not an array", ErrFormat, id)
		return d
	}
	utts, utype, _, err := jsonparser.Get(value, "[0]")
	if err != nil || utype != jsonparser.Array {
		d.err = fmt.Errorf("%w: document %q has no utterance list", ErrFormat, id)
		return d
	}

	n := 0
	_, err = jsonparser.ArrayEach(utts, func(item []byte, itype jsonparser.ValueType, _ int, _ error) {
		if d.err != nil {
			return
		}
		if itype != jsonparser.Object {
			d.err = fmt.Errorf("%w: document %q utterance %d is not an object", ErrFormat, id, n)
			return
		}
		text, err := jsonparser.GetString(item, "utterance")
		if err != nil {
			d.err = fmt.Errorf("%w: document %q utterance %d: utterance: %v", ErrFormat, id, n, err)
			return
		}
		emotion, err := jsonparser.GetString(item, "emotion")
		if err != nil {
			d.err = fmt.Errorf("%w: document %q utterance %d: emotion: %v", ErrFormat, id, n, err)
			return
		}
		d.texts = append(d.texts, text)
		d.labels = append(d.labels, emotion)
		n++
	})
	if d.err == nil && err != nil {
		d.err = fmt.Errorf("%w: document %q: %v", ErrFormat, id, err)
	}
	if d.err != nil {
		d.texts, d.labels = nil, nil
	}
	return d
}

// #endregion load
