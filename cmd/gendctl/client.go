package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gend/pkg/types"
)

// apiClient is a thin wrapper over the daemon's admin HTTP API.
type apiClient struct {
	base string
	hc   *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr types.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *apiClient) status() (types.StatusResponse, error) {
	var st types.StatusResponse
	err := c.do(http.MethodGet, "/status", nil, &st)
	return st, err
}

func (c *apiClient) listBackends() ([]types.BackendInfo, error) {
	var body struct {
		Backends []types.BackendInfo `json:"backends"`
	}
	err := c.do(http.MethodGet, "/backends", nil, &body)
	return body.Backends, err
}

func (c *apiClient) addBackend(req types.AddBackendRequest) (types.BackendInfo, error) {
	var info types.BackendInfo
	err := c.do(http.MethodPost, "/backends", req, &info)
	return info, err
}

func (c *apiClient) removeBackend(id int) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/backends/%d", id), nil, nil)
}

func (c *apiClient) setEnabled(id int, enabled bool) error {
	return c.do(http.MethodPatch, fmt.Sprintf("/backends/%d", id), types.SetEnabledRequest{Enabled: enabled}, nil)
}

func (c *apiClient) interrupt() error {
	return c.do(http.MethodPost, "/interrupt", nil, nil)
}
