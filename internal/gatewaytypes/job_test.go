package gatewaytypes

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewJob_StartsQueued(t *testing.T) {
	job := NewJob("req-1", "model-a", ChatCompletionRequest{Model: "model-a"})
	require.Equal(t, StatusQueued, job.Status)
	require.Equal(t, "req-1", job.RequestID)

	select {
	case <-job.Done():
		t.Fatal("job should not be done before Complete")
	default:
	}
}

func TestJob_CompleteClosesDone(t *testing.T) {
	job := NewJob("req-1", "model-a", ChatCompletionRequest{Model: "model-a"})
	job.Status = StatusDone
	job.Complete()

	select {
	case <-job.Done():
	default:
		t.Fatal("Done channel should be closed after Complete")
	}
}

func TestMarshalForProvider_PatchesModelField(t *testing.T) {
	req := ChatCompletionRequest{
		Model:    "route:coder",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	}
	body, err := req.MarshalForProvider()
	require.NoError(t, err)
	require.Contains(t, string(body), `"model":"route:coder"`)
}

func TestMarshalForProvider_PreservesUnmodeledFieldsFromRawBody(t *testing.T) {
	req := ChatCompletionRequest{
		Model: "llama3",
		Raw:   []byte(`{"model":"route:coder","messages":[{"role":"user","content":"hi"}],"presence_penalty":0.5,"n":2}`),
	}
	body, err := req.MarshalForProvider()
	require.NoError(t, err)
	require.Contains(t, string(body), `"model":"llama3"`)
	require.Contains(t, string(body), `"presence_penalty":0.5`)
	require.Contains(t, string(body), `"n":2`)
}

func TestAttempt_MarshalsDurationsAsMilliseconds(t *testing.T) {
	a := Attempt{
		ModelID:   "model-a",
		Status:    StatusDone,
		QueueWait: 1500 * time.Millisecond,
		Runtime:   2 * time.Second,
	}
	out, err := json.Marshal(a)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Equal(t, float64(1500), decoded["queue_wait_ms"])
	require.Equal(t, float64(2000), decoded["runtime_ms"])
}

func TestUnmarshalResponse(t *testing.T) {
	raw := []byte(`{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`)
	resp, err := UnmarshalResponse(raw)
	require.NoError(t, err)
	require.Equal(t, "chatcmpl-1", resp.ID)
	require.Len(t, resp.Choices, 1)
	require.Equal(t, "hi", resp.Choices[0].Message.Content)
}
