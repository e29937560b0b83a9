// Package adapter translates between the OpenAI chat-completion wire
// shape and each backend provider's native shape. An Adapter is the
// only component that touches a backend's HTTP surface.
package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/localforge/modelgateway/internal/config"
	"github.com/localforge/modelgateway/internal/gatewayerr"
)

// Adapter forwards one chat-completion request to a provider and
// returns either a response body (OpenAI shape, raw JSON) or a
// normalized error. Bodies are passed as raw JSON rather than decoded
// structs so that fields neither side models explicitly still survive
// the round trip.
type Adapter interface {
	Forward(ctx context.Context, cfg config.ProviderConfig, requestBody []byte) ([]byte, *gatewayerr.Error)
}

// ForAdapterType returns the Adapter implementation for a provider_type.
func ForAdapterType(providerType string) Adapter {
	switch providerType {
	case "ollama":
		return OllamaAdapter{client: newHTTPClient()}
	default:
		return OpenAICompatAdapter{client: newHTTPClient()}
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Minute}
}

// classify is the pure, total function from (status, body excerpt,
// exception kind) to the normalized taxonomy -- every input maps to
// exactly one kind, and the decision never leaves the adapter.
func classify(err error, status int, body []byte) *gatewayerr.Error {
	if err != nil {
		return classifyTransportError(err)
	}

	if status >= 200 && status < 300 {
		return nil
	}

	excerpt := strings.ToLower(string(body))

	if status >= 500 {
		if looksLikeOOM(excerpt) {
			return gatewayerr.New(gatewayerr.OOM, string(body))
		}
		return gatewayerr.New(gatewayerr.Other, string(body))
	}

	if status >= 400 {
		if looksLikeContextLength(excerpt) {
			return gatewayerr.New(gatewayerr.ContextLength, string(body))
		}
		return gatewayerr.New(gatewayerr.Other, string(body))
	}

	return gatewayerr.New(gatewayerr.Other, string(body))
}

func classifyTransportError(err error) *gatewayerr.Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gatewayerr.New(gatewayerr.Timeout, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return gatewayerr.New(gatewayerr.Timeout, err.Error())
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return gatewayerr.New(gatewayerr.Unreachable, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return gatewayerr.New(gatewayerr.Unreachable, err.Error())
	}
	// DNS failures, connection refused, etc. surface as generic URL
	// errors wrapping one of the above; treat anything else reaching a
	// live connection attempt as unreachable too, since the taxonomy
	// must be total.
	return gatewayerr.New(gatewayerr.Unreachable, err.Error())
}

func looksLikeOOM(excerpt string) bool {
	for _, marker := range []string{"out of memory", "oom", "cuda error: out of memory", "cannot allocate memory"} {
		if strings.Contains(excerpt, marker) {
			return true
		}
	}
	return false
}

func looksLikeContextLength(excerpt string) bool {
	for _, marker := range []string{"context length", "context window", "maximum context", "too many tokens", "context_length_exceeded"} {
		if strings.Contains(excerpt, marker) {
			return true
		}
	}
	return false
}
