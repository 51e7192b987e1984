// Package call implements the Task Dispatcher's Call-side executors: the
// transports a `call` reference can address (spec.md's "HTTP, OpenAPI,
// gRPC, function (catalog), or user-defined function"). Each executor is
// registered against the dispatcher by its call scheme.
package call

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"flowcore/dispatch"
	"flowcore/domain"
)

// HTTPExecutor invokes a `call` reference of the form "http://..." or
// "https://...". Without a `with` block the request is a bodiless GET; with
// one, the block is marshaled as the JSON body of a POST. No other method
// is used and no query parameters are added. There is no ecosystem HTTP client in the retrieval pack more specific to
// this than the standard library's, so this stays on net/http.
type HTTPExecutor struct {
	Client *http.Client
}

func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (e *HTTPExecutor) Execute(ctx context.Context, task domain.TaskDefinition, resolvedInput json.RawMessage, dispatchCtx dispatch.DispatchContext) (dispatch.TaskOutcome, error) {
	call, ok := task.(*domain.CallTask)
	if !ok {
		return dispatch.TaskOutcome{}, fmt.Errorf("http executor received non-Call task %T", task)
	}

	method := http.MethodGet
	var body io.Reader
	if len(call.With) > 0 {
		method = http.MethodPost
		payload, err := json.Marshal(call.With)
		if err != nil {
			return dispatch.TaskOutcome{}, fmt.Errorf("failed to marshal call arguments: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, call.Call, body)
	if err != nil {
		return dispatch.TaskOutcome{}, fmt.Errorf("failed to build http request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return dispatch.TaskOutcome{
			Error: domain.CommunicationProblem("http-call-failed", err.Error(), ""),
		}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return dispatch.TaskOutcome{}, fmt.Errorf("failed to read http response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return dispatch.TaskOutcome{
			Error: domain.CommunicationProblem("http-call-error-status",
				fmt.Sprintf("call to %s returned status %d", call.Call, resp.StatusCode), ""),
		}, nil
	}

	if len(respBody) == 0 {
		return dispatch.TaskOutcome{Output: json.RawMessage("null")}, nil
	}
	return dispatch.TaskOutcome{Output: json.RawMessage(respBody)}, nil
}
