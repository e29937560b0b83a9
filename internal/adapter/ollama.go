package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/localforge/modelgateway/internal/config"
	"github.com/localforge/modelgateway/internal/gatewayerr"
)

// OllamaAdapter translates the OpenAI chat-completion shape to and from
// Ollama's native /api/chat shape. Field-by-field gjson/sjson surgery
// is used instead of struct marshal/unmarshal so unknown fields never
// leak through in either direction.
type OllamaAdapter struct {
	client *http.Client
}

func (a OllamaAdapter) Forward(ctx context.Context, cfg config.ProviderConfig, requestBody []byte) ([]byte, *gatewayerr.Error) {
	ollamaBody, err := translateRequestToOllama(requestBody)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.BadRequest, err.Error())
	}

	url := cfg.BaseURL + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(ollamaBody))
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.Other, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classify(err, 0, nil)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.Other, err.Error())
	}

	if gwErr := classify(nil, resp.StatusCode, respBody); gwErr != nil {
		return nil, gwErr
	}

	model := gjson.GetBytes(requestBody, "model").String()
	openAIBody, err := translateResponseFromOllama(respBody, model)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.Other, err.Error())
	}
	return openAIBody, nil
}

// translateRequestToOllama copies model/messages, forces stream=false,
// and maps temperature/top_p/max_tokens into options.*. Fields whose
// source value is absent are left unset rather than written as
// null/zero.
func translateRequestToOllama(requestBody []byte) ([]byte, error) {
	out := []byte(`{}`)
	var err error

	out, err = sjson.SetBytes(out, "model", gjson.GetBytes(requestBody, "model").String())
	if err != nil {
		return nil, err
	}

	messages := gjson.GetBytes(requestBody, "messages")
	msgOut := []byte(`[]`)
	for i, msg := range messages.Array() {
		path := fmt.Sprintf("%d", i)
		msgOut, err = sjson.SetBytes(msgOut, path+".role", msg.Get("role").String())
		if err != nil {
			return nil, err
		}
		msgOut, err = sjson.SetBytes(msgOut, path+".content", msg.Get("content").String())
		if err != nil {
			return nil, err
		}
	}
	out, err = sjson.SetRawBytes(out, "messages", msgOut)
	if err != nil {
		return nil, err
	}

	out, err = sjson.SetBytes(out, "stream", false)
	if err != nil {
		return nil, err
	}

	options := []byte(`{}`)
	hasOptions := false
	if v := gjson.GetBytes(requestBody, "temperature"); v.Exists() {
		options, err = sjson.SetBytes(options, "temperature", v.Float())
		if err != nil {
			return nil, err
		}
		hasOptions = true
	}
	if v := gjson.GetBytes(requestBody, "top_p"); v.Exists() {
		options, err = sjson.SetBytes(options, "top_p", v.Float())
		if err != nil {
			return nil, err
		}
		hasOptions = true
	}
	if v := gjson.GetBytes(requestBody, "max_tokens"); v.Exists() {
		options, err = sjson.SetBytes(options, "num_predict", v.Int())
		if err != nil {
			return nil, err
		}
		hasOptions = true
	}
	if hasOptions {
		out, err = sjson.SetRawBytes(out, "options", options)
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// translateResponseFromOllama builds an OpenAI chat-completion object
// from Ollama's response: choices[0].message.role is forced to
// "assistant", finish_reason is best-effort mapped from
// done_reason else the literal "stop", and usage fields are mapped when
// present else omitted entirely.
func translateResponseFromOllama(respBody []byte, model string) ([]byte, error) {
	out := []byte(`{"object":"chat.completion"}`)
	var err error

	out, err = sjson.SetBytes(out, "id", "chatcmpl-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "created", time.Now().Unix())
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "model", model)
	if err != nil {
		return nil, err
	}

	content := gjson.GetBytes(respBody, "message.content").String()
	finishReason := "stop"
	if dr := gjson.GetBytes(respBody, "done_reason"); dr.Exists() && dr.String() != "" {
		finishReason = dr.String()
	}

	out, err = sjson.SetBytes(out, "choices.0.index", 0)
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "choices.0.message.role", "assistant")
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "choices.0.message.content", content)
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "choices.0.finish_reason", finishReason)
	if err != nil {
		return nil, err
	}

	promptEval := gjson.GetBytes(respBody, "prompt_eval_count")
	evalCount := gjson.GetBytes(respBody, "eval_count")
	if promptEval.Exists() || evalCount.Exists() {
		out, err = sjson.SetBytes(out, "usage.prompt_tokens", promptEval.Int())
		if err != nil {
			return nil, err
		}
		out, err = sjson.SetBytes(out, "usage.completion_tokens", evalCount.Int())
		if err != nil {
			return nil, err
		}
		out, err = sjson.SetBytes(out, "usage.total_tokens", promptEval.Int()+evalCount.Int())
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}
