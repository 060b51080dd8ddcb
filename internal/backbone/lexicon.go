package backbone

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"unicode"

	"github.com/spaolacci/murmur3"
	"gonum.org/v1/gonum/mat"

	"github.com/danielpatrickdp/emobench/internal/dataset"
)

// #region lexicon-types
const (
	padID = 0
	clsID = 1
	sepID = 2
	// first id available to hashed words
	wordBase = 3
)

// LexiconName is the model identifier reported by the in-process backbone.
const LexiconName = "emobench/lexicon"

// LexiconLabels mirrors the native label set of the j-hartmann emotion models.
var LexiconLabels = []string{"anger", "disgust", "fear", "joy", "neutral", "sadness", "surprise"}

var lexiconCues = map[string]string{
	"angry": "anger", "mad": "anger", "furious": "anger", "hate": "anger",
	"gross": "disgust", "disgusting": "disgust", "awful": "disgust",
	"afraid": "fear", "scared": "fear", "worried": "fear",
	"happy": "joy", "great": "joy", "love": "joy", "glad": "joy", "thanks": "joy",
	"sad": "sadness", "sorry": "sadness", "miss": "sadness", "unfortunately": "sadness",
	"wow": "surprise", "really": "surprise", "believe": "surprise",
}

// Lexicon is a deterministic in-process backbone: hashed word tokens, a seeded frozen
// embedding table with mean pooling, a frozen projection to native labels, and a small
// cue-word bias. It stands in for a pretrained model in tests and offline runs.
type Lexicon struct {
	vocab  int
	hidden int
	emb    *mat.Dense // vocab x hidden
	proj   *mat.Dense // hidden x labels
	cues   map[string]int
	labels []string
}

// #endregion lexicon-types

// #region lexicon-constructor
// NewLexicon builds the lexicon backbone. The same seed always yields the same weights.
func NewLexicon(seed int64) *Lexicon {
	const vocab, hidden = 4096, 32
	rng := rand.New(rand.NewSource(seed))

	emb := mat.NewDense(vocab, hidden, nil)
	for i := 0; i < vocab; i++ {
		for j := 0; j < hidden; j++ {
			emb.Set(i, j, rng.NormFloat64()*0.1)
		}
	}
	proj := mat.NewDense(hidden, len(LexiconLabels), nil)
	for i := 0; i < hidden; i++ {
		for j := range LexiconLabels {
			proj.Set(i, j, rng.NormFloat64())
		}
	}

	index := make(map[string]int, len(LexiconLabels))
	for i, l := range LexiconLabels {
		index[l] = i
	}
	cues := make(map[string]int, len(lexiconCues))
	for w, l := range lexiconCues {
		cues[w] = index[l]
	}

	return &Lexicon{
		vocab:  vocab,
		hidden: hidden,
		emb:    emb,
		proj:   proj,
		cues:   cues,
		labels: append([]string(nil), LexiconLabels...),
	}
}

// #endregion lexicon-constructor

// #region lexicon-methods
func (l *Lexicon) Name() string     { return LexiconName }
func (l *Lexicon) Labels() []string { return append([]string(nil), l.labels...) }
func (l *Lexicon) Close() error     { return nil }

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func (l *Lexicon) wordID(w string) int64 {
	return wordBase + int64(murmur3.Sum32([]byte(w))%uint32(l.vocab-wordBase))
}

// Tokenize wraps each text as [CLS] words... [SEP], truncated to maxLen (when > 0)
// and padded with 0 to the longest row.
func (l *Lexicon) Tokenize(_ context.Context, texts []string, maxLen int) (dataset.Encoding, error) {
	if maxLen > 0 && maxLen < 2 {
		return dataset.Encoding{}, fmt.Errorf("max_seq_len %d leaves no room for special tokens", maxLen)
	}
	rows := make([][]int64, len(texts))
	longest := 0
	for i, t := range texts {
		ids := []int64{clsID}
		for _, w := range words(t) {
			ids = append(ids, l.wordID(w))
		}
		if maxLen > 0 && len(ids) > maxLen-1 {
			ids = ids[:maxLen-1]
		}
		ids = append(ids, sepID)
		rows[i] = ids
		longest = max(longest, len(ids))
	}

	enc := dataset.Encoding{
		InputIDs:      make([][]int64, len(texts)),
		AttentionMask: make([][]int64, len(texts)),
	}
	for i, ids := range rows {
		padded := make([]int64, longest)
		mask := make([]int64, longest)
		copy(padded, ids)
		for j := range ids {
			mask[j] = 1
		}
		enc.InputIDs[i] = padded
		enc.AttentionMask[i] = mask
	}
	return enc, nil
}

// Forward mean-pools token embeddings under the attention mask and projects them.
func (l *Lexicon) Forward(_ context.Context, batch dataset.Batch) (*mat.Dense, error) {
	n := len(batch.InputIDs)
	if n == 0 {
		return nil, fmt.Errorf("lexicon forward: empty batch")
	}
	if len(batch.AttentionMask) != n {
		return nil, fmt.Errorf("lexicon forward: %d mask rows for %d id rows", len(batch.AttentionMask), n)
	}
	pooled := mat.NewDense(n, l.hidden, nil)
	for i, ids := range batch.InputIDs {
		row := pooled.RawRowView(i)
		count := 0
		for j, id := range ids {
			if j >= len(batch.AttentionMask[i]) || batch.AttentionMask[i][j] == 0 {
				continue
			}
			if id < 0 || id >= int64(l.vocab) {
				return nil, fmt.Errorf("lexicon forward: token id %d out of vocab", id)
			}
			e := l.emb.RawRowView(int(id))
			for k := range row {
				row[k] += e[k]
			}
			count++
		}
		if count > 0 {
			for k := range row {
				row[k] /= float64(count)
			}
		}
	}

	out := mat.NewDense(n, len(l.labels), nil)
	out.Mul(pooled, l.proj)

	if len(batch.Texts) == n {
		for i, t := range batch.Texts {
			for _, w := range words(t) {
				if c, ok := l.cues[w]; ok {
					out.Set(i, c, out.At(i, c)+2)
				}
			}
		}
	}
	return out, nil
}

// #endregion lexicon-methods
