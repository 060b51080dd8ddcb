package backbone

import (
	"context"
	"math"
	"net"
	"testing"

	"gonum.org/v1/gonum/mat"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/danielpatrickdp/emobench/internal/dataset"
)

// #region helpers
func encodeBatch(t *testing.T, b Backbone, texts []string, maxLen int) dataset.Batch {
	t.Helper()
	enc, err := b.Tokenize(context.Background(), texts, maxLen)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	return dataset.Batch{Texts: texts, InputIDs: enc.InputIDs, AttentionMask: enc.AttentionMask, Labels: make([]int, len(texts))}
}

func startServer(t *testing.T, b Backbone, aliases ...string) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterServer(s, b, aliases...)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// countingBackbone counts Forward calls on the wrapped backbone.
type countingBackbone struct {
	Backbone
	forwards int
}

func (c *countingBackbone) Forward(ctx context.Context, b dataset.Batch) (*mat.Dense, error) {
	c.forwards++
	return c.Backbone.Forward(ctx, b)
}

// #endregion helpers

// #region lexicon-tests
func TestLexiconTokenizePadsAndTruncates(t *testing.T) {
	lex := NewLexicon(77)
	enc, err := lex.Tokenize(context.Background(), []string{"Hi.", "one two three four five six"}, 5)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if len(enc.InputIDs[0]) != 5 || len(enc.InputIDs[1]) != 5 {
		t.Fatalf("expected rows padded to 5, got %d and %d", len(enc.InputIDs[0]), len(enc.InputIDs[1]))
	}
	if enc.InputIDs[0][0] != clsID || enc.InputIDs[0][2] != sepID || enc.InputIDs[0][3] != padID {
		t.Errorf("unexpected short row %v", enc.InputIDs[0])
	}
	if enc.InputIDs[1][4] != sepID {
		t.Errorf("truncated row must end with sep, got %v", enc.InputIDs[1])
	}
	wantMask := []int64{1, 1, 1, 0, 0}
	for j, m := range wantMask {
		if enc.AttentionMask[0][j] != m {
			t.Errorf("mask[0][%d] = %d, want %d", j, enc.AttentionMask[0][j], m)
		}
	}

	if _, err := lex.Tokenize(context.Background(), []string{"x"}, 1); err == nil {
		t.Error("expected error for max_seq_len 1")
	}
}

func TestLexiconDeterministicAndFrozen(t *testing.T) {
	a := NewLexicon(77)
	b := NewLexicon(77)
	batch := encodeBatch(t, a, []string{"I am so happy today", "That is awful", "ok"}, 16)

	outA, err := a.Forward(context.Background(), batch)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	outB, _ := b.Forward(context.Background(), batch)
	if !mat.Equal(outA, outB) {
		t.Fatal("same seed must give identical outputs")
	}
	again, _ := a.Forward(context.Background(), batch)
	if !mat.Equal(outA, again) {
		t.Fatal("repeated forward must not change")
	}
	r, c := outA.Dims()
	if r != 3 || c != len(LexiconLabels) {
		t.Fatalf("expected 3x%d, got %dx%d", len(LexiconLabels), r, c)
	}
}

func TestLexiconCueBias(t *testing.T) {
	lex := NewLexicon(1)
	batch := encodeBatch(t, lex, []string{"happy", "happy"}, 16)
	batch.Texts = []string{"happy", "zzz"}
	out, err := lex.Forward(context.Background(), batch)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	joy := 3
	if d := out.At(0, joy) - out.At(1, joy); math.Abs(d-2) > 1e-9 {
		t.Errorf("expected cue bias 2 on joy, got %f", d)
	}
}

func TestLexiconForwardErrors(t *testing.T) {
	lex := NewLexicon(1)
	if _, err := lex.Forward(context.Background(), dataset.Batch{}); err == nil {
		t.Error("expected error for empty batch")
	}
	bad := dataset.Batch{InputIDs: [][]int64{{1, 99999}}, AttentionMask: [][]int64{{1, 1}}}
	if _, err := lex.Forward(context.Background(), bad); err == nil {
		t.Error("expected error for out-of-vocab id")
	}
}

// #endregion lexicon-tests

// #region grpc-tests
func TestGRPCRoundTripMatchesLocal(t *testing.T) {
	lex := NewLexicon(77)
	conn := startServer(t, lex)

	client, err := NewGRPCClientWithConn(context.Background(), conn, LexiconName)
	if err != nil {
		t.Fatalf("NewGRPCClientWithConn: %v", err)
	}
	if got := client.Labels(); len(got) != len(LexiconLabels) || got[3] != "joy" {
		t.Fatalf("unexpected labels %v", got)
	}

	texts := []string{"Wow, really?", "I miss her so much.", "Fine."}
	remote := encodeBatch(t, client, texts, 12)
	local := encodeBatch(t, lex, texts, 12)
	for i := range texts {
		for j := range local.InputIDs[i] {
			if remote.InputIDs[i][j] != local.InputIDs[i][j] {
				t.Fatalf("ids differ at %d,%d", i, j)
			}
		}
	}

	want, _ := lex.Forward(context.Background(), local)
	got, err := client.Forward(context.Background(), remote)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !mat.EqualApprox(want, got, 1e-12) {
		t.Fatalf("remote logits differ from local")
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestGRPCUnknownModel(t *testing.T) {
	conn := startServer(t, NewLexicon(1))
	if _, err := NewGRPCClientWithConn(context.Background(), conn, "j-hartmann/emotion-english-roberta-large"); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestGRPCServesAlias(t *testing.T) {
	const alias = "j-hartmann/emotion-english-distilroberta-base"
	conn := startServer(t, NewLexicon(1), alias)
	client, err := NewGRPCClientWithConn(context.Background(), conn, alias)
	if err != nil {
		t.Fatalf("NewGRPCClientWithConn(%s): %v", alias, err)
	}
	if client.Name() != alias || len(client.Labels()) != len(LexiconLabels) {
		t.Errorf("unexpected client %s %v", client.Name(), client.Labels())
	}
	if _, err := NewGRPCClientWithConn(context.Background(), conn, "j-hartmann/emotion-english-roberta-large"); err == nil {
		t.Error("expected error for a model that is not aliased")
	}
}

func TestGRPCForwardError(t *testing.T) {
	conn := startServer(t, NewLexicon(1))
	client, err := NewGRPCClientWithConn(context.Background(), conn, "")
	if err != nil {
		t.Fatalf("NewGRPCClientWithConn: %v", err)
	}
	_, err = client.Forward(context.Background(), dataset.Batch{InputIDs: [][]int64{{1, 99999}}, AttentionMask: [][]int64{{1, 1}}})
	if err == nil {
		t.Fatal("expected forward error to propagate")
	}
}

// #endregion grpc-tests

// #region cache-tests
func TestCachedServesIdenticalOutputs(t *testing.T) {
	inner := &countingBackbone{Backbone: NewLexicon(5)}
	cached, err := NewCached(inner, 16)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	defer cached.Close()

	batch := encodeBatch(t, inner, []string{"so glad", "scared"}, 8)
	first, err := cached.Forward(context.Background(), batch)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	first.Set(0, 0, 1e9) // callers may mutate what they get back

	second, err := cached.Forward(context.Background(), batch)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	direct, _ := inner.Backbone.Forward(context.Background(), batch)
	if !mat.Equal(second, direct) {
		t.Fatal("cached output differs from direct forward")
	}
	hits, misses := cached.Stats()
	if hits+misses != 2 || misses < 1 {
		t.Errorf("unexpected stats hits=%d misses=%d", hits, misses)
	}
	if inner.forwards > 2 {
		t.Errorf("expected at most 2 inner forwards, got %d", inner.forwards)
	}
}

func TestBatchKeyDistinguishesBatches(t *testing.T) {
	a := dataset.Batch{InputIDs: [][]int64{{1, 5, 2}}, AttentionMask: [][]int64{{1, 1, 1}}}
	b := dataset.Batch{InputIDs: [][]int64{{1, 6, 2}}, AttentionMask: [][]int64{{1, 1, 1}}}
	c := dataset.Batch{InputIDs: [][]int64{{1, 5}, {2}}, AttentionMask: [][]int64{{1, 1}, {1}}}
	if batchKey(a) == batchKey(b) || batchKey(a) == batchKey(c) {
		t.Fatal("distinct batches must have distinct keys")
	}
	same := dataset.Batch{InputIDs: [][]int64{{1, 5, 2}}, AttentionMask: [][]int64{{1, 1, 1}}}
	if batchKey(a) != batchKey(same) {
		t.Fatal("key must be stable")
	}
}

func TestNewCachedRejectsZeroSize(t *testing.T) {
	if _, err := NewCached(NewLexicon(1), 0); err == nil {
		t.Fatal("expected error")
	}
}

// #endregion cache-tests
