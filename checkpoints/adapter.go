package checkpoints

import "strings"

// featurePrefix marks the parameters that belong to the feature extractor in
// a full-model state.
const featurePrefix = "feature."

// AdaptReport lists what AdaptWarmUpState kept (under their new names) and
// what it dropped.
type AdaptReport struct {
	Applied []string
	Dropped []string
}

// AdaptWarmUpState turns a pre-training checkpoint into a state that can be
// loaded into a fresh model's feature extractor. Keys containing "feature."
// are kept with the first occurrence of that substring removed; every other
// key is dropped. A nil record means no warm-up file was found.
//
// Keys are visited in sorted order; if two keys collapse onto the same name
// the later one wins.
func AdaptWarmUpState(record *Record) (State, AdaptReport, error) {
	var report AdaptReport
	if record == nil {
		return nil, report, &ConfigurationError{Msg: "No warm_up file"}
	}

	state := make(State, len(record.State))
	for _, key := range record.State.Keys() {
		if !strings.Contains(key, featurePrefix) {
			report.Dropped = append(report.Dropped, key)
			continue
		}
		newKey := strings.Replace(key, featurePrefix, "", 1)
		state[newKey] = record.State[key]
		report.Applied = append(report.Applied, newKey)
	}
	return state, report, nil
}
