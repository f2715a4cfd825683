package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// apiClient is the thin HTTP client the CLI subcommands use to talk to a
// running relay server with admin basic auth.
type apiClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

func newAPIClient() (*apiClient, error) {
	baseURL := os.Getenv("RELAYER_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	username := os.Getenv("RELAYER_ADMIN_USERNAME")
	password := os.Getenv("RELAYER_ADMIN_PASSWORD")
	if username == "" || password == "" {
		return nil, &configError{message: "RELAYER_ADMIN_USERNAME and RELAYER_ADMIN_PASSWORD must be set"}
	}
	return &apiClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

// printJSON renders a response for terminal consumption.
func printJSON(value any) {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fmt.Println(value)
		return
	}
	fmt.Println(string(encoded))
}
