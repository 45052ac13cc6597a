package attachfsm

import "encoding/json"

func firstThreadID(raw json.RawMessage) (int, bool) {
	var payload struct {
		Threads []struct {
			ID int `json:"id"`
		} `json:"threads"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || len(payload.Threads) == 0 {
		return 0, false
	}
	return payload.Threads[0].ID, true
}

func hasAtLeastOneFrame(raw json.RawMessage) bool {
	var payload struct {
		StackFrames []json.RawMessage `json:"stackFrames"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false
	}
	return len(payload.StackFrames) > 0
}
