package backbone

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region methods
// The sidecar service carries google.protobuf.Struct messages, so both ends can be
// written without generated stubs.
const (
	serviceName    = "emobench.backbone.v1.Backbone"
	methodDescribe = "/" + serviceName + "/Describe"
	methodTokenize = "/" + serviceName + "/Tokenize"
	methodForward  = "/" + serviceName + "/Forward"
)

// Field names shared by client and server.
const (
	fieldModel         = "model"
	fieldLabels        = "labels"
	fieldTexts         = "texts"
	fieldMaxSeqLen     = "max_seq_len"
	fieldInputIDs      = "input_ids"
	fieldAttentionMask = "attention_mask"
	fieldLogits        = "logits"
)

// #endregion methods

// #region encode
func stringsValue(ss []string) *structpb.Value {
	vals := make([]*structpb.Value, len(ss))
	for i, s := range ss {
		vals[i] = structpb.NewStringValue(s)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func int64RowsValue(rows [][]int64) *structpb.Value {
	outer := make([]*structpb.Value, len(rows))
	for i, r := range rows {
		inner := make([]*structpb.Value, len(r))
		for j, v := range r {
			inner[j] = structpb.NewNumberValue(float64(v))
		}
		outer[i] = structpb.NewListValue(&structpb.ListValue{Values: inner})
	}
	return structpb.NewListValue(&structpb.ListValue{Values: outer})
}

func denseValue(m *mat.Dense) *structpb.Value {
	r, c := m.Dims()
	outer := make([]*structpb.Value, r)
	for i := 0; i < r; i++ {
		inner := make([]*structpb.Value, c)
		for j := 0; j < c; j++ {
			inner[j] = structpb.NewNumberValue(m.At(i, j))
		}
		outer[i] = structpb.NewListValue(&structpb.ListValue{Values: inner})
	}
	return structpb.NewListValue(&structpb.ListValue{Values: outer})
}

// #endregion encode

// #region decode
func field(s *structpb.Struct, name string) (*structpb.Value, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return nil, fmt.Errorf("missing field %q", name)
	}
	return v, nil
}

func decodeStrings(s *structpb.Struct, name string) ([]string, error) {
	v, err := field(s, name)
	if err != nil {
		return nil, err
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("field %q is not a list", name)
	}
	out := make([]string, len(list.GetValues()))
	for i, item := range list.GetValues() {
		str, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("field %q[%d] is not a string", name, i)
		}
		out[i] = str.StringValue
	}
	return out, nil
}

func decodeFloatRows(s *structpb.Struct, name string) ([][]float64, error) {
	v, err := field(s, name)
	if err != nil {
		return nil, err
	}
	outer := v.GetListValue()
	if outer == nil {
		return nil, fmt.Errorf("field %q is not a list", name)
	}
	rows := make([][]float64, len(outer.GetValues()))
	for i, rv := range outer.GetValues() {
		inner := rv.GetListValue()
		if inner == nil {
			return nil, fmt.Errorf("field %q[%d] is not a list", name, i)
		}
		row := make([]float64, len(inner.GetValues()))
		for j, nv := range inner.GetValues() {
			num, ok := nv.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return nil, fmt.Errorf("field %q[%d][%d] is not a number", name, i, j)
			}
			row[j] = num.NumberValue
		}
		rows[i] = row
	}
	return rows, nil
}

func decodeInt64Rows(s *structpb.Struct, name string) ([][]int64, error) {
	f, err := decodeFloatRows(s, name)
	if err != nil {
		return nil, err
	}
	out := make([][]int64, len(f))
	for i, row := range f {
		out[i] = make([]int64, len(row))
		for j, v := range row {
			out[i][j] = int64(v)
		}
	}
	return out, nil
}

func decodeDense(s *structpb.Struct, name string, cols int) (*mat.Dense, error) {
	rows, err := decodeFloatRows(s, name)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("field %q is empty", name)
	}
	m := mat.NewDense(len(rows), cols, nil)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("field %q row %d has %d columns, want %d", name, i, len(row), cols)
		}
		m.SetRow(i, row)
	}
	return m, nil
}

// #endregion decode
