package gatewaytypes

import (
	"encoding/json"

	"github.com/tidwall/sjson"
)

// MarshalForProvider returns the wire body every Adapter expects: the
// client's original request body with its model field patched to the
// resolved model id, so fields this type doesn't model (n, stop,
// presence_penalty, ...) still reach the adapter unchanged. Falls back
// to serializing the typed struct when there is no captured raw body
// (requests built in-process rather than from an HTTP request).
func (r ChatCompletionRequest) MarshalForProvider() ([]byte, error) {
	body := r.Raw
	if body == nil {
		var err error
		body, err = json.Marshal(r)
		if err != nil {
			return nil, err
		}
	}
	return sjson.SetBytes(body, "model", r.Model)
}

// UnmarshalResponse parses an adapter's returned body into a
// ChatCompletionResponse.
func UnmarshalResponse(body []byte) (*ChatCompletionResponse, error) {
	var resp ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
