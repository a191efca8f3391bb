// Package proxmox binds the cluster API used by the maintenance components to
// the Proxmox VE REST API.
package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/domain"
)

// API is the cluster surface the maintenance components depend on.
type API interface {
	ListHosts(ctx context.Context) ([]Host, error)
	HostStatus(ctx context.Context, host string) (*HostStatus, error)
	HostNetworkInterfaces(ctx context.Context, host string) ([]NetworkInterface, error)
	ListGuests(ctx context.Context, host string, kind domain.GuestKind) ([]Guest, error)
	GuestStatus(ctx context.Context, host string, kind domain.GuestKind, id int) (*GuestStatus, error)
	GuestConfig(ctx context.Context, host string, kind domain.GuestKind, id int) (GuestConfig, error)
	MigrateGuest(ctx context.Context, host string, kind domain.GuestKind, id int, target string, online bool) (string, error)
	ShutdownGuest(ctx context.Context, host string, kind domain.GuestKind, id int) (string, error)
}

// Dialer opens an API session for one credential.
type Dialer interface {
	Dial(ctx context.Context, cred *domain.Credential) (API, error)
}

// APIError is a non-2xx response from the cluster API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cluster API returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err means the addressed object does not exist.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusNotFound ||
		strings.Contains(apiErr.Message, "does not exist")
}

// Options configures a Client.
type Options struct {
	RequestTimeout time.Duration
	// BaseURL overrides https://<endpoint>/api2/json.
	BaseURL string
}

// Client talks to one cluster endpoint with one credential.
type Client struct {
	baseURL string
	cred    *domain.Credential
	http    *http.Client
	logger  *zap.Logger

	ticket string
	csrf   string
}

// NewClient creates a client. Call Login before issuing requests unless the
// credential is an API token.
func NewClient(cred *domain.Credential, opts Options, logger *zap.Logger) *Client {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := opts.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://%s/api2/json", cred.Endpoint())
	}

	// Cluster nodes commonly serve self-signed certificates.
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cred.VerifyTLS,
		},
	}

	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		cred:    cred,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger.With(zap.String("component", "proxmox"), zap.String("endpoint", cred.Endpoint())),
	}
}

// Login obtains an authentication ticket. API tokens need no login.
func (c *Client) Login(ctx context.Context) error {
	if c.cred.IsAPIToken() {
		return nil
	}

	form := url.Values{}
	form.Set("username", c.cred.Username)
	form.Set("password", c.cred.Password)

	var data struct {
		Ticket string `json:"ticket"`
		CSRF   string `json:"CSRFPreventionToken"`
	}
	if err := c.do(ctx, http.MethodPost, "/access/ticket", form, &data); err != nil {
		return fmt.Errorf("failed to authenticate to cluster: %w", err)
	}
	c.ticket = data.Ticket
	c.csrf = data.CSRF

	c.logger.Debug("Authenticated to cluster API", zap.String("username", c.cred.Username))
	return nil
}

// ListHosts lists cluster hosts.
func (c *Client) ListHosts(ctx context.Context) ([]Host, error) {
	var hosts []Host
	if err := c.do(ctx, http.MethodGet, "/nodes", nil, &hosts); err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	return hosts, nil
}

// HostStatus returns the detailed status of a host.
func (c *Client) HostStatus(ctx context.Context, host string) (*HostStatus, error) {
	var status HostStatus
	if err := c.do(ctx, http.MethodGet, "/nodes/"+url.PathEscape(host)+"/status", nil, &status); err != nil {
		return nil, fmt.Errorf("failed to get status of host %s: %w", host, err)
	}
	return &status, nil
}

// HostNetworkInterfaces lists a host's network interfaces.
func (c *Client) HostNetworkInterfaces(ctx context.Context, host string) ([]NetworkInterface, error) {
	var ifaces []NetworkInterface
	if err := c.do(ctx, http.MethodGet, "/nodes/"+url.PathEscape(host)+"/network", nil, &ifaces); err != nil {
		return nil, fmt.Errorf("failed to list network of host %s: %w", host, err)
	}
	return ifaces, nil
}

// ListGuests lists VMs or containers on a host.
func (c *Client) ListGuests(ctx context.Context, host string, kind domain.GuestKind) ([]Guest, error) {
	var guests []Guest
	if err := c.do(ctx, http.MethodGet, guestsPath(host, kind), nil, &guests); err != nil {
		return nil, fmt.Errorf("failed to list %s guests of host %s: %w", kind, host, err)
	}
	return guests, nil
}

// GuestStatus returns the current status of a guest.
func (c *Client) GuestStatus(ctx context.Context, host string, kind domain.GuestKind, id int) (*GuestStatus, error) {
	var status GuestStatus
	if err := c.do(ctx, http.MethodGet, guestPath(host, kind, id)+"/status/current", nil, &status); err != nil {
		return nil, fmt.Errorf("failed to get status of %s %d: %w", kind, id, err)
	}
	return &status, nil
}

// GuestConfig returns the configuration of a guest.
func (c *Client) GuestConfig(ctx context.Context, host string, kind domain.GuestKind, id int) (GuestConfig, error) {
	var cfg GuestConfig
	if err := c.do(ctx, http.MethodGet, guestPath(host, kind, id)+"/config", nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to get config of %s %d: %w", kind, id, err)
	}
	return cfg, nil
}

// MigrateGuest starts a migration and returns the task id. VMs migrate live
// with online set; containers use restart mode.
func (c *Client) MigrateGuest(ctx context.Context, host string, kind domain.GuestKind, id int, target string, online bool) (string, error) {
	form := url.Values{}
	form.Set("target", target)
	if online {
		if kind == domain.GuestKindContainer {
			form.Set("restart", "1")
		} else {
			form.Set("online", "1")
		}
	}

	var upid string
	if err := c.do(ctx, http.MethodPost, guestPath(host, kind, id)+"/migrate", form, &upid); err != nil {
		return "", fmt.Errorf("failed to migrate %s %d to %s: %w", kind, id, target, err)
	}
	return upid, nil
}

// ShutdownGuest requests a clean shutdown and returns the task id.
func (c *Client) ShutdownGuest(ctx context.Context, host string, kind domain.GuestKind, id int) (string, error) {
	var upid string
	if err := c.do(ctx, http.MethodPost, guestPath(host, kind, id)+"/status/shutdown", url.Values{}, &upid); err != nil {
		return "", fmt.Errorf("failed to shut down %s %d: %w", kind, id, err)
	}
	return upid, nil
}

func guestsPath(host string, kind domain.GuestKind) string {
	return "/nodes/" + url.PathEscape(host) + "/" + string(kind)
}

func guestPath(host string, kind domain.GuestKind, id int) string {
	return guestsPath(host, kind) + "/" + strconv.Itoa(id)
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	switch {
	case c.cred.IsAPIToken():
		req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", c.cred.Username, c.cred.Password))
	case c.ticket != "":
		req.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: c.ticket})
		if method != http.MethodGet {
			req.Header.Set("CSRFPreventionToken", c.csrf)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		c.logger.Debug("Cluster API request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode),
			zap.String("message", msg),
		)
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	envelope := struct {
		Data interface{} `json:"data"`
	}{Data: out}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode response of %s: %w", path, err)
	}
	return nil
}

// ClientDialer dials Clients with shared options.
type ClientDialer struct {
	Options Options
	Logger  *zap.Logger
}

// NewDialer creates a dialer.
func NewDialer(opts Options, logger *zap.Logger) *ClientDialer {
	return &ClientDialer{Options: opts, Logger: logger}
}

// Dial creates an authenticated client for cred.
func (d *ClientDialer) Dial(ctx context.Context, cred *domain.Credential) (API, error) {
	if !cred.Usable() {
		return nil, domain.ErrNotConfigured
	}
	client := NewClient(cred, d.Options, d.Logger)
	if err := client.Login(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
