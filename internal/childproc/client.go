package childproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Status is the child's reported sync state.
type Status struct {
	Syncing            bool
	ValidatorAccountID string
}

// MaintenanceWindow is a half-open block-height range during which the
// validator is not scheduled to produce blocks.
type MaintenanceWindow struct {
	Start uint64
	End   uint64
}

// Length reports the window's block count.
func (w MaintenanceWindow) Length() uint64 {
	if w.End <= w.Start {
		return 0
	}
	return w.End - w.Start
}

// Client talks to the child's HTTP/JSON-RPC surface.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient builds a child client against baseURL (e.g. http://127.0.0.1:3030).
func NewClient(baseURL string) *Client {
	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// Status queries the child's /status endpoint.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("child status unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("child status: unexpected status %d", resp.StatusCode)
	}

	return &Status{
		Syncing:            gjson.GetBytes(body, "sync_info.syncing").Bool(),
		ValidatorAccountID: gjson.GetBytes(body, "validator_account_id").String(),
	}, nil
}

func (c *Client) rpc(ctx context.Context, method string, params any) ([]byte, error) {
	reqBody := struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		ID      string `json:"id"`
		Params  any    `json:"params"`
	}{
		JSONRPC: "2.0",
		Method:  method,
		ID:      "dontcare",
		Params:  params,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build rpc request %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc %s unreachable: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rpc %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc %s: unexpected status %d", method, resp.StatusCode)
	}
	return body, nil
}

// FinalBlock queries the latest finalized block height.
func (c *Client) FinalBlock(ctx context.Context) (uint64, error) {
	body, err := c.rpc(ctx, "block", map[string]string{"finality": "final"})
	if err != nil {
		return 0, err
	}
	result := gjson.GetBytes(body, "result")
	height := result.Get("header.height")
	if !height.Exists() {
		return 0, fmt.Errorf("rpc block: missing result.header.height in response")
	}
	return height.Uint(), nil
}

// MaintenanceWindows queries the child's advertised maintenance windows for
// accountID, in the order the child returns them.
func (c *Client) MaintenanceWindows(ctx context.Context, accountID string) ([]MaintenanceWindow, error) {
	body, err := c.rpc(ctx, "EXPERIMENTAL_maintenance_windows", map[string]string{"account_id": accountID})
	if err != nil {
		return nil, err
	}

	var windows []MaintenanceWindow
	for _, pair := range gjson.GetBytes(body, "result").Array() {
		arr := pair.Array()
		if len(arr) != 2 {
			continue
		}
		windows = append(windows, MaintenanceWindow{
			Start: arr[0].Uint(),
			End:   arr[1].Uint(),
		})
	}
	return windows, nil
}

// Metrics scrapes the child's Prometheus text exposition endpoint, mapping
// each non-comment line's first whitespace-separated token to its last
// whitespace-separated token.
func (c *Client) Metrics(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metrics", nil)
	if err != nil {
		return nil, fmt.Errorf("build metrics request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("child metrics unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read metrics response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("child metrics: unexpected status %d", resp.StatusCode)
	}

	out := make(map[string]string)
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		out[fields[0]] = fields[len(fields)-1]
	}
	return out, nil
}

// ConfigReloadsTotal reads the config_reloads_total counter used to verify
// a dynamic-config apply took effect.
func (c *Client) ConfigReloadsTotal(ctx context.Context) (int64, error) {
	metrics, err := c.Metrics(ctx)
	if err != nil {
		return 0, err
	}
	raw, ok := metrics["config_reloads_total"]
	if !ok {
		return 0, fmt.Errorf("config_reloads_total not present in child metrics")
	}
	var n int64
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse config_reloads_total %q: %w", raw, err)
	}
	return n, nil
}
