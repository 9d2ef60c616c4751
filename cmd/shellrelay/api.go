package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/shellrelay/internal/cliconfig"
	"pkt.systems/shellrelay/schema"
)

const apiTimeout = 30 * time.Second

// apiClient talks to a relay's operator HTTP API.
type apiClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func newAPIClient(baseURL, token string) (*apiClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("server url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	return &apiClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: apiTimeout},
	}, nil
}

type loginResult struct {
	Username string          `json:"username"`
	Identity schema.Identity `json:"identity"`
	Token    string          `json:"token"`
}

func (c *apiClient) Login(ctx context.Context, username, password, totpCode string) (loginResult, error) {
	payload := map[string]string{
		"username": username,
		"password": password,
		"totp":     totpCode,
	}
	var out loginResult
	if err := c.do(ctx, http.MethodPost, "/api/login", payload, &out); err != nil {
		return loginResult{}, err
	}
	if out.Token == "" {
		return loginResult{}, errors.New("login response carried no token")
	}
	return out, nil
}

type publishPayload struct {
	Name         schema.DatabaseName     `json:"name"`
	Module       schema.ModuleDef        `json:"module"`
	BreakClients bool                    `json:"break_clients,omitempty"`
	DeleteData   schema.DeleteDataPolicy `json:"delete_data,omitempty"`
}

func (c *apiClient) Publish(ctx context.Context, payload publishPayload) (schema.PublishResponse, error) {
	var out schema.PublishResponse
	if err := c.do(ctx, http.MethodPost, "/api/publish", payload, &out); err != nil {
		return schema.PublishResponse{}, err
	}
	return out, nil
}

func (c *apiClient) ListDatabases(ctx context.Context) (schema.ListDatabasesResponse, error) {
	var out schema.ListDatabasesResponse
	if err := c.do(ctx, http.MethodGet, "/api/databases", nil, &out); err != nil {
		return schema.ListDatabasesResponse{}, err
	}
	return out, nil
}

func (c *apiClient) GetDatabase(ctx context.Context, name schema.DatabaseName) (schema.GetDatabaseResponse, error) {
	var out schema.GetDatabaseResponse
	if err := c.do(ctx, http.MethodGet, databasePath(name), nil, &out); err != nil {
		return schema.GetDatabaseResponse{}, err
	}
	return out, nil
}

func (c *apiClient) DeleteDatabase(ctx context.Context, name schema.DatabaseName) (schema.DeleteDatabaseResponse, error) {
	var out schema.DeleteDatabaseResponse
	if err := c.do(ctx, http.MethodDelete, databasePath(name), nil, &out); err != nil {
		return schema.DeleteDatabaseResponse{}, err
	}
	return out, nil
}

func databasePath(name schema.DatabaseName) string {
	return "/api/database/" + url.PathEscape(string(name))
}

func (c *apiClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s (http %d)", apiErrorMessage(resp.StatusCode, data), resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// apiErrorMessage extracts the server's error payload, falling back to the
// HTTP status text.
func apiErrorMessage(status int, body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return http.StatusText(status)
}

// loadClient builds an authenticated client from the CLI config, with the
// --server flag taking precedence over the stored server.
func loadClient(cfgPath, server string) (cliconfig.Config, *apiClient, error) {
	cfg, err := cliconfig.Load(cfgPath)
	if err != nil {
		return cliconfig.Config{}, nil, err
	}
	if server != "" {
		cfg.Server = server
	}
	if cfg.Token == "" {
		return cliconfig.Config{}, nil, errors.New("not logged in; run: shellrelay login")
	}
	client, err := newAPIClient(cfg.Server, cfg.Token)
	if err != nil {
		return cliconfig.Config{}, nil, err
	}
	return cfg, client, nil
}
