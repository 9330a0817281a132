package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// APIClient provides HTTP client functionality to communicate with the
// rendersyncd daemon
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client. baseURL is the daemon root, without
// the /api suffix.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/healthz")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// decode reads an API response body. Non-2xx responses carry an
// {"error": ...} body which is surfaced as a Go error.
func decode(resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
			return fmt.Errorf("API error: status %d", resp.StatusCode)
		}
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *APIClient) get(path string, out any) error {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func (c *APIClient) post(path string, body any, out any) error {
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	resp, err := c.client.Post(c.baseURL+path, "application/json", rdr)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// ServerInfo fetches the daemon's port, uptime, gate state, and port view
func (c *APIClient) ServerInfo() (any, error) {
	var out any
	err := c.get("/api/server-info", &out)
	return out, err
}

// PortInfo fetches the arbitration configuration and per-port availability
func (c *APIClient) PortInfo() (any, error) {
	var out any
	err := c.get("/api/port-info", &out)
	return out, err
}

// InspectPort asks the daemon who holds a TCP port
func (c *APIClient) InspectPort(port uint16) (any, error) {
	var out any
	err := c.post("/api/inspect-port", map[string]uint16{"port": port}, &out)
	return out, err
}

// InspectPID asks the daemon for details on a PID
func (c *APIClient) InspectPID(pid int32) (any, error) {
	var out any
	err := c.post("/api/inspect-pid", map[string]int32{"pid": pid}, &out)
	return out, err
}

// AppStatus fetches the status of a supervised application kind
func (c *APIClient) AppStatus(kind string) (any, error) {
	var out any
	err := c.get("/api/apps/"+kind+"/status", &out)
	return out, err
}

// AppStart starts (or adopts) a supervised application kind
func (c *APIClient) AppStart(kind string) (any, error) {
	var out any
	err := c.post("/api/apps/"+kind+"/start", nil, &out)
	return out, err
}

// AppStop stops every running instance of a supervised application kind
func (c *APIClient) AppStop(kind string) (any, error) {
	var out any
	err := c.post("/api/apps/"+kind+"/stop", nil, &out)
	return out, err
}

// ProcessStatus fetches the spawned-process registry view
func (c *APIClient) ProcessStatus() (any, error) {
	var out any
	err := c.get("/api/process-status", &out)
	return out, err
}

// ConnectionStatus fetches the non-loopback access gate state
func (c *APIClient) ConnectionStatus() (any, error) {
	var out any
	err := c.get("/api/connection-status", &out)
	return out, err
}

// ConnectionControl flips the non-loopback access gate ("enable"/"disable")
func (c *APIClient) ConnectionControl(action string) (any, error) {
	var out any
	err := c.post("/api/connection-control", map[string]string{"action": action}, &out)
	return out, err
}

// Shutdown asks the daemon to stop its workers and exit
func (c *APIClient) Shutdown() error {
	return c.post("/api/shutdown", nil, nil)
}
