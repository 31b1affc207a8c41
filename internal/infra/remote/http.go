package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"persistcore/pkg/domain"
	"persistcore/pkg/log"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// Wire format: POST <base>/<proxy>/<method> with an invocation body, answered
// by a response body. Failures of the method itself come back as 200 with
// Error set; transport and routing failures use HTTP status codes.
type invocation struct {
	Params []any `json:"params"`
}

type response struct {
	Result  any    `json:"result,omitempty"`
	Outputs []any  `json:"outputs,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CallError is a failure reported by the remote method.
type CallError struct {
	Proxy   string
	Method  string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("remote %s.%s: %s", e.Proxy, e.Method, e.Message)
}

var _ domain.RemoteService = (*Client)(nil)

// Client invokes methods served by Handler on another process.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient targets baseURL. A zero timeout means no client-side timeout.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote base url %q: scheme must be http or https", baseURL)
	}
	return &Client{base: u, http: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) endpoint(proxy, method string) string {
	return c.base.JoinPath(proxy, method).String()
}

func (c *Client) Invoke(ctx context.Context, proxy, method string, params []any) (any, []any, error) {
	body, err := json.Marshal(invocation{Params: params})
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s.%s params: %w", proxy, method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(proxy, method), bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("invoke %s.%s: %w", proxy, method, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, fmt.Errorf("%s.%s: %w", proxy, method, ErrUnknownMethod)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, nil, fmt.Errorf("invoke %s.%s: http %d: %s", proxy, method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out response
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, nil, fmt.Errorf("decode %s.%s response: %w", proxy, method, err)
	}
	if out.Error != "" {
		return nil, nil, &CallError{Proxy: proxy, Method: method, Message: out.Error}
	}
	outputs := make([]any, len(params))
	copy(outputs, out.Outputs)
	return out.Result, outputs, nil
}

// Handler serves svc over the wire format Client speaks.
func Handler(svc domain.RemoteService, logger log.Logger) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	r := mux.NewRouter()
	r.HandleFunc("/{proxy}/{method}", func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		proxy, method := vars["proxy"], vars["method"]
		var in invocation
		dec := json.NewDecoder(req.Body)
		dec.UseNumber()
		if err := dec.Decode(&in); err != nil {
			http.Error(w, "bad invocation: "+err.Error(), http.StatusBadRequest)
			return
		}
		result, outputs, err := svc.Invoke(req.Context(), proxy, method, in.Params)
		if errors.Is(err, ErrUnknownMethod) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		out := response{Result: result, Outputs: outputs}
		if err != nil {
			logger.Warn("remote method failed", log.String("proxy", proxy), log.String("method", method), log.Err(err))
			out = response{Error: err.Error()}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			logger.Error("write remote response", log.Err(err))
		}
	}).Methods(http.MethodPost)
	return r
}
