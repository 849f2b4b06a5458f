package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	silas "github.com/DavSimFel/silas"
)

// httpAgent talks to the external agent service over a single JSON
// endpoint. The runtime owns routing, budgets, and gates; the service
// owns the model conversation. One endpoint serves all three agent
// roles, selected by the "op" field.
type httpAgent struct {
	url    string
	client *http.Client
}

// compile-time checks
var _ silas.ProxyAgent = (*httpAgent)(nil)
var _ silas.PlannerAgent = (*httpAgent)(nil)
var _ silas.StructuredAgent = (*httpAgent)(nil)

func newHTTPAgent(url string, timeout time.Duration) *httpAgent {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &httpAgent{url: url, client: &http.Client{Timeout: timeout}}
}

type agentRequest struct {
	Op       string           `json:"op"` // route | plan | complete
	Rendered string           `json:"rendered,omitempty"`
	Message  *silas.Message   `json:"message,omitempty"`
	Tools    []silas.ToolSpec `json:"tools,omitempty"`
	Prompt   string           `json:"prompt,omitempty"`
}

func (a *httpAgent) Route(ctx context.Context, rendered string, msg silas.Message, tools []silas.ToolSpec) (silas.RouteDecision, error) {
	var decision silas.RouteDecision
	err := a.call(ctx, agentRequest{Op: "route", Rendered: rendered, Message: &msg, Tools: tools}, &decision)
	if err != nil {
		return silas.RouteDecision{}, err
	}
	return decision, nil
}

func (a *httpAgent) Plan(ctx context.Context, rendered string, msg silas.Message, tools []silas.ToolSpec) (silas.Plan, error) {
	var plan silas.Plan
	err := a.call(ctx, agentRequest{Op: "plan", Rendered: rendered, Message: &msg, Tools: tools}, &plan)
	if err != nil {
		return silas.Plan{}, err
	}
	return plan, nil
}

func (a *httpAgent) Complete(ctx context.Context, prompt string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := a.call(ctx, agentRequest{Op: "complete", Prompt: prompt}, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (a *httpAgent) call(ctx context.Context, req agentRequest, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("agent: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agent: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("agent: %s: %w", req.Op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent: %s: status %d", req.Op, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("agent: %s: decode response: %w", req.Op, err)
	}
	return nil
}
