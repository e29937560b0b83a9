package adapter

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/localforge/modelgateway/internal/config"
	"github.com/localforge/modelgateway/internal/gatewayerr"
)

// OpenAICompatAdapter passes the request body through unchanged to
// {base_url}/v1/chat/completions and forwards the response verbatim on
// 2xx.
type OpenAICompatAdapter struct {
	client *http.Client
}

func (a OpenAICompatAdapter) Forward(ctx context.Context, cfg config.ProviderConfig, requestBody []byte) ([]byte, *gatewayerr.Error) {
	url := cfg.BaseURL + "/v1/chat/completions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.Other, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classify(err, 0, nil)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.Other, err.Error())
	}

	if gwErr := classify(nil, resp.StatusCode, body); gwErr != nil {
		return nil, gwErr
	}
	return body, nil
}
