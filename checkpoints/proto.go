package checkpoints

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// encodeProto stores a record as a google.protobuf.Struct:
//
//	{epoch: number, state: {name: {shape: [..], data: [..]}}}
func encodeProto(record *Record) ([]byte, error) {
	state := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(record.State))}
	for name, t := range record.State {
		shape := &structpb.ListValue{Values: make([]*structpb.Value, len(t.Shape))}
		for i, d := range t.Shape {
			shape.Values[i] = structpb.NewNumberValue(float64(d))
		}
		data := &structpb.ListValue{Values: make([]*structpb.Value, len(t.Data))}
		for i, v := range t.Data {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, fmt.Errorf("parameter %s: non-finite value at index %d", name, i)
			}
			data.Values[i] = structpb.NewNumberValue(float64(v))
		}
		state.Fields[name] = structpb.NewStructValue(&structpb.Struct{
			Fields: map[string]*structpb.Value{
				"shape": structpb.NewListValue(shape),
				"data":  structpb.NewListValue(data),
			},
		})
	}

	msg := &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"epoch": structpb.NewNumberValue(float64(record.Epoch)),
			"state": structpb.NewStructValue(state),
		},
	}
	return proto.Marshal(msg)
}

func decodeProto(data []byte) (*Record, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	epoch, ok := msg.Fields["epoch"]
	if !ok {
		return nil, fmt.Errorf("checkpoint has no epoch field")
	}
	stateValue, ok := msg.Fields["state"]
	if !ok || stateValue.GetStructValue() == nil {
		return nil, fmt.Errorf("checkpoint has no state field")
	}

	record := &Record{
		Epoch: int(epoch.GetNumberValue()),
		State: make(State, len(stateValue.GetStructValue().Fields)),
	}
	for name, v := range stateValue.GetStructValue().Fields {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("parameter %s is not a tensor", name)
		}
		var t Tensor
		for _, d := range fields["shape"].GetListValue().GetValues() {
			t.Shape = append(t.Shape, int(d.GetNumberValue()))
		}
		values := fields["data"].GetListValue().GetValues()
		t.Data = make([]float32, len(values))
		for i, x := range values {
			t.Data[i] = float32(x.GetNumberValue())
		}
		record.State[name] = t
	}
	return record, nil
}
