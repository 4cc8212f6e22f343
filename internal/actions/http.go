package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/procflow/procflow/pkg/schema"
)

const defaultHTTPTimeout = 30 * time.Second

// NewHTTPAction returns the builtin "http.request" action. It carries the
// side-effects flag, so governance decides whether a run may invoke it.
// Arguments: url (string, required), method (string, default GET),
// headers (object), body (any, JSON-encoded when present).
func NewHTTPAction(client *http.Client) Action {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &FuncAction{
		Meta: Metadata{
			Name:        "http.request",
			Description: "Performs an HTTP request and returns the decoded response",
			ParameterSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"url": {"type": "string"},
					"method": {"type": "string"},
					"headers": {"type": "object"},
					"body": {}
				},
				"required": ["url"],
				"additionalProperties": false
			}`),
			SideEffects: true,
			Exposure: map[string]bool{
				ContextProcedure: true,
				ContextPipeline:  true,
			},
		},
		Fn: func(ctx context.Context, input Input) (*Result, error) {
			rawURL, ok := input.Arguments["url"].(string)
			if !ok || rawURL == "" {
				return nil, schema.NewError(schema.ErrCodeValidation, "http.request requires a string 'url' argument")
			}
			method := http.MethodGet
			if m, ok := input.Arguments["method"].(string); ok && m != "" {
				method = strings.ToUpper(m)
			}

			var body io.Reader
			if raw, ok := input.Arguments["body"]; ok && raw != nil {
				encoded, err := json.Marshal(raw)
				if err != nil {
					return nil, schema.NewError(schema.ErrCodeValidation, "http.request body is not JSON-encodable").WithCause(err)
				}
				body = bytes.NewReader(encoded)
			}

			req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeAction, "invalid http request").WithCause(err)
			}
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			if headers, ok := input.Arguments["headers"].(map[string]any); ok {
				for name, value := range headers {
					if s, ok := value.(string); ok {
						req.Header.Set(name, s)
					}
				}
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeAction, "http request failed").WithCause(err)
			}
			defer resp.Body.Close()

			payload, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeAction, "reading http response failed").WithCause(err)
			}

			var decoded any
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &decoded); err != nil {
					decoded = string(payload)
				}
			}

			data := map[string]any{
				"status_code": resp.StatusCode,
				"body":        decoded,
			}
			if resp.StatusCode >= 400 {
				return &Result{Status: "error", Data: data},
					schema.NewErrorf(schema.ErrCodeAction, "http request returned status %d", resp.StatusCode).
						WithDetails(map[string]any{"status_code": resp.StatusCode})
			}
			return &Result{Status: "success", Data: data}, nil
		},
	}
}
