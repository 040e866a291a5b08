package bridge

import "encoding/json"

func decodeArgs(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}

func marshalResult(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
