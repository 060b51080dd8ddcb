package backbone

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/emobench/internal/dataset"
)

// #region client-struct
// GRPCClient reaches a pretrained model hosted by the Python inference sidecar.
type GRPCClient struct {
	conn   *grpc.ClientConn
	cc     grpc.ClientConnInterface
	model  string
	labels []string
}

// #endregion client-struct

// #region constructor
// NewGRPCClient connects to the sidecar and asks it to load model. The model's native
// label order is fetched once here.
func NewGRPCClient(ctx context.Context, addr, model string) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	c, err := NewGRPCClientWithConn(ctx, conn, model)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// NewGRPCClientWithConn builds a client over an existing connection.
// Used for testing with an in-memory listener.
func NewGRPCClientWithConn(ctx context.Context, cc grpc.ClientConnInterface, model string) (*GRPCClient, error) {
	c := &GRPCClient{cc: cc, model: model}
	req, err := structpb.NewStruct(map[string]any{fieldModel: model})
	if err != nil {
		return nil, fmt.Errorf("describe request: %w", err)
	}
	resp := new(structpb.Struct)
	if err := cc.Invoke(ctx, methodDescribe, req, resp); err != nil {
		return nil, fmt.Errorf("describe rpc: %w", err)
	}
	labels, err := decodeStrings(resp, fieldLabels)
	if err != nil {
		return nil, fmt.Errorf("describe response: %w", err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("describe response: model %s reports no labels", model)
	}
	c.labels = labels
	return c, nil
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection when the client owns one.
func (c *GRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

func (c *GRPCClient) Name() string     { return c.model }
func (c *GRPCClient) Labels() []string { return append([]string(nil), c.labels...) }

// #region tokenize
// Tokenize runs the model's own tokenizer on the sidecar.
func (c *GRPCClient) Tokenize(ctx context.Context, texts []string, maxLen int) (dataset.Encoding, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldModel:     structpb.NewStringValue(c.model),
		fieldTexts:     stringsValue(texts),
		fieldMaxSeqLen: structpb.NewNumberValue(float64(maxLen)),
	}}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodTokenize, req, resp); err != nil {
		return dataset.Encoding{}, fmt.Errorf("tokenize rpc: %w", err)
	}
	ids, err := decodeInt64Rows(resp, fieldInputIDs)
	if err != nil {
		return dataset.Encoding{}, fmt.Errorf("tokenize response: %w", err)
	}
	mask, err := decodeInt64Rows(resp, fieldAttentionMask)
	if err != nil {
		return dataset.Encoding{}, fmt.Errorf("tokenize response: %w", err)
	}
	if len(ids) != len(texts) || len(mask) != len(texts) {
		return dataset.Encoding{}, fmt.Errorf("tokenize response: %d/%d rows for %d texts", len(ids), len(mask), len(texts))
	}
	return dataset.Encoding{InputIDs: ids, AttentionMask: mask}, nil
}

// #endregion tokenize

// #region forward
// Forward runs the frozen model on one batch and returns its raw logits.
func (c *GRPCClient) Forward(ctx context.Context, batch dataset.Batch) (*mat.Dense, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldModel:         structpb.NewStringValue(c.model),
		fieldInputIDs:      int64RowsValue(batch.InputIDs),
		fieldAttentionMask: int64RowsValue(batch.AttentionMask),
		fieldTexts:         stringsValue(batch.Texts),
	}}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodForward, req, resp); err != nil {
		return nil, fmt.Errorf("forward rpc: %w", err)
	}
	logits, err := decodeDense(resp, fieldLogits, len(c.labels))
	if err != nil {
		return nil, fmt.Errorf("forward response: %w", err)
	}
	if r, _ := logits.Dims(); r != len(batch.InputIDs) {
		return nil, fmt.Errorf("forward response: %d rows for batch of %d", r, len(batch.InputIDs))
	}
	return logits, nil
}

// #endregion forward
