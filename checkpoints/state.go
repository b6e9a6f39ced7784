package checkpoints

import (
	"fmt"
	"sort"
)

// LoadReport describes how a state was applied to a model.
type LoadReport struct {
	Applied    []string // copied into the model
	Unexpected []string // present in the source, unknown to the model
	Missing    []string // known to the model, absent from the source
}

// LoadInto copies every tensor of src into the tensor of the same name in dst.
// dst tensors are written in place, so a model can hand out its own parameter
// storage. A shape mismatch is always an error. When strict is set, unexpected
// or missing keys are errors too; otherwise they are only reported.
func LoadInto(dst, src State, strict bool) (LoadReport, error) {
	var report LoadReport

	for _, key := range src.Keys() {
		target, ok := dst[key]
		if !ok {
			report.Unexpected = append(report.Unexpected, key)
			continue
		}
		value := src[key]
		if !target.sameShape(value) || len(value.Data) != len(target.Data) {
			return report, fmt.Errorf("size mismatch for %s: checkpoint shape %v, model shape %v",
				key, value.Shape, target.Shape)
		}
		copy(target.Data, value.Data)
		report.Applied = append(report.Applied, key)
	}

	for key := range dst {
		if _, ok := src[key]; !ok {
			report.Missing = append(report.Missing, key)
		}
	}
	sort.Strings(report.Missing)

	if strict && (len(report.Unexpected) > 0 || len(report.Missing) > 0) {
		return report, fmt.Errorf("state does not match model: unexpected keys %v, missing keys %v",
			report.Unexpected, report.Missing)
	}
	return report, nil
}
