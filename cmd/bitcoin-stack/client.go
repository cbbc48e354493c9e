package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ooeygg/bitcoin-docker/internal/stack"
)

// Thin client for the local control API. Commands fall back to the durable
// snapshot when no daemon answers.

var apiClient = &http.Client{Timeout: 60 * time.Second}

func apiURL(path string) string {
	addr := flagHTTPAddr
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return addr + path
}

func apiGet(path string, out any) error {
	resp, err := apiClient.Get(apiURL(path))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api %s: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiPost(path string) error {
	resp, err := apiClient.Post(apiURL(path), "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api %s: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	return nil
}

// postDown stops the stack through the daemon. A partial teardown comes back
// as a typed TeardownError so the exit-code mapping still yields 3.
func postDown() error {
	resp, err := apiClient.Post(apiURL("/v1/stack/down"), "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(resp.Body)
	var body struct {
		Error    string            `json:"error"`
		Services map[string]string `json:"services"`
	}
	if json.Unmarshal(b, &body) == nil && len(body.Services) > 0 {
		return &stack.TeardownError{Errs: body.Services}
	}
	return fmt.Errorf("api /v1/stack/down: %s: %s", resp.Status, strings.TrimSpace(string(b)))
}

// daemonUp reports whether a supervisor daemon answers on the control
// address.
func daemonUp() bool {
	c := &http.Client{Timeout: 2 * time.Second}
	resp, err := c.Get(apiURL("/healthz"))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
