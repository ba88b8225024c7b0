// Package controlplane is the REST client for the kittengrid control
// plane: agent registration, tunnel peer negotiation and service
// publication.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/kittengrid/agent/internal/config"
	"github.com/kittengrid/agent/internal/tunnel"
)

// AgentStatus is the coarse lifecycle status reported to the control
// plane.
type AgentStatus string

const (
	StatusBooting      AgentStatus = "booting"
	StatusRunning      AgentStatus = "running"
	StatusShuttingDown AgentStatus = "shutting_down"
)

// ServiceAd announces one supervised service to the control plane.
type ServiceAd struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

// PublishedService is a service with the public URL the relay assigned.
type PublishedService struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Client talks to the control plane API. Registration exchanges the
// static API key for a session token used on all later calls.
type Client struct {
	baseURL    string
	apiKey     string
	token      string
	agentID    string
	httpClient *http.Client
	logger     zerolog.Logger
}

func New(cfg *config.Config, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: cfg.APIURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With().Str("component", "controlplane").Logger(),
	}
}

// Token returns the session token obtained by Register.
func (c *Client) Token() string { return c.token }

// AgentID returns the identifier assigned by the control plane.
func (c *Client) AgentID() string { return c.agentID }

type registerRequest struct {
	VCSProvider   string `json:"vcs_provider"`
	ProjectVCSID  string `json:"project_vcs_id"`
	PullRequestID string `json:"pull_request_id,omitempty"`
	WorkflowID    string `json:"workflow_id,omitempty"`
}

type registerResponse struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

// Register announces this agent with its CI coordinates and stores the
// returned session token.
func (c *Client) Register(ctx context.Context, cfg *config.Config) error {
	payload := registerRequest{
		VCSProvider:   cfg.VCSProvider,
		ProjectVCSID:  cfg.ProjectVCSID,
		PullRequestID: cfg.PullRequestID,
		WorkflowID:    cfg.WorkflowID,
	}

	var resp registerResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/agents/register", c.apiKey, payload, &resp); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	if resp.Token == "" {
		return fmt.Errorf("register agent: empty token in response")
	}
	c.token = resp.Token
	c.agentID = resp.AgentID
	c.logger.Info().Str("agent_id", resp.AgentID).Msg("registered with control plane")
	return nil
}

type createPeerRequest struct {
	PublicKey string `json:"public_key"`
}

type createPeerResponse struct {
	Address             string   `json:"address"`
	RelayPublicKey      string   `json:"relay_public_key"`
	RelayEndpoint       string   `json:"relay_endpoint"`
	PresharedKey        string   `json:"preshared_key,omitempty"`
	AllowedIPs          []string `json:"allowed_ips"`
	PersistentKeepalive int      `json:"persistent_keepalive,omitempty"`
}

// CreatePeer registers a session public key and returns the relay peer
// configuration for it.
func (c *Client) CreatePeer(ctx context.Context, publicKey string) (*tunnel.PeerConfig, error) {
	var resp createPeerResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/agents/peers", c.token, createPeerRequest{PublicKey: publicKey}, &resp)
	if err != nil {
		return nil, fmt.Errorf("create peer: %w", err)
	}

	addr, err := netip.ParsePrefix(resp.Address)
	if err != nil {
		return nil, fmt.Errorf("parse assigned address %q: %w", resp.Address, err)
	}
	peer := &tunnel.PeerConfig{
		Address:             addr,
		RelayPublicKey:      resp.RelayPublicKey,
		RelayEndpoint:       resp.RelayEndpoint,
		PresharedKey:        resp.PresharedKey,
		PersistentKeepalive: resp.PersistentKeepalive,
	}
	for _, raw := range resp.AllowedIPs {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("parse allowed ip %q: %w", raw, err)
		}
		peer.AllowedIPs = append(peer.AllowedIPs, prefix)
	}
	return peer, nil
}

// PublishServices announces the declared services and returns their
// public URLs.
func (c *Client) PublishServices(ctx context.Context, ads []ServiceAd) ([]PublishedService, error) {
	payload := struct {
		Services []ServiceAd `json:"services"`
	}{Services: ads}

	var resp struct {
		Services []PublishedService `json:"services"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/agents/services", c.token, payload, &resp); err != nil {
		return nil, fmt.Errorf("publish services: %w", err)
	}
	return resp.Services, nil
}

// UpdateStatus reports the agent lifecycle status.
func (c *Client) UpdateStatus(ctx context.Context, status AgentStatus) error {
	payload := struct {
		Status AgentStatus `json:"status"`
	}{Status: status}
	if err := c.doJSON(ctx, http.MethodPut, "/api/v1/agents/status", c.token, payload, nil); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path, bearer string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API returned %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
