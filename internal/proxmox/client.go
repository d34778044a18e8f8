// Package proxmox is a minimal Proxmox VE API client covering what the
// snapshot lifecycle needs: ticket auth, snapshot CRUD and task polling.
package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/patchwork/internal/snapshot"
)

// APIError is any auth/connectivity/API fault from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("proxmox api: %d %s", e.Status, e.Message)
	}
	return "proxmox api: " + e.Message
}

// Options configures a client for one API endpoint.
type Options struct {
	Endpoint  string // e.g. https://pve.example.com:8006
	Username  string // e.g. root@pam
	Password  string
	VerifySSL bool
	Timeout   time.Duration
}

// Client talks to one Proxmox VE endpoint. Safe for concurrent use; the
// auth ticket is shared and refreshed on 401.
type Client struct {
	opts     Options
	http     *retryingClient
	pollWait time.Duration

	mu        sync.Mutex
	ticket    string
	csrfToken string
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	opts.Endpoint = strings.TrimRight(opts.Endpoint, "/")
	transport := http.DefaultTransport
	if !opts.VerifySSL {
		transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return &Client{
		opts:     opts,
		http:     newRetryingClient(&http.Client{Timeout: opts.Timeout, Transport: transport}),
		pollWait: 2 * time.Second,
	}
}

func (c *Client) authenticate(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.opts.Username)
	form.Set("password", c.opts.Password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.opts.Endpoint+"/api2/json/access/ticket", strings.NewReader(form.Encode()))
	if err != nil {
		return &APIError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Message: fmt.Sprintf("authenticate: %v", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Message: "authentication failed: " + strings.TrimSpace(string(body))}
	}
	var payload struct {
		Data struct {
			Ticket    string `json:"ticket"`
			CSRFToken string `json:"CSRFPreventionToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return &APIError{Message: fmt.Sprintf("decode auth response: %v", err)}
	}
	c.mu.Lock()
	c.ticket = payload.Data.Ticket
	c.csrfToken = payload.Data.CSRFToken
	c.mu.Unlock()
	log.Debug().Str("endpoint", c.opts.Endpoint).Msg("authenticated to proxmox")
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, form url.Values) (json.RawMessage, error) {
	return c.requestRetryAuth(ctx, method, path, form, true)
}

func (c *Client) requestRetryAuth(ctx context.Context, method, path string, form url.Values, reauth bool) (json.RawMessage, error) {
	c.mu.Lock()
	ticket, csrf := c.ticket, c.csrfToken
	c.mu.Unlock()
	if ticket == "" {
		if err := c.authenticate(ctx); err != nil {
			return nil, err
		}
		c.mu.Lock()
		ticket, csrf = c.ticket, c.csrfToken
		c.mu.Unlock()
	}

	var body io.Reader
	endpoint := c.opts.Endpoint + "/api2/json" + path
	if form != nil && method != http.MethodGet {
		body = strings.NewReader(form.Encode())
	} else if form != nil {
		endpoint += "?" + form.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, &APIError{Message: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("CSRFPreventionToken", csrf)
	req.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: ticket})

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Message: fmt.Sprintf("%s %s: %v", method, path, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && reauth {
		// Ticket expired; re-authenticate once and retry.
		log.Debug().Str("path", path).Msg("proxmox ticket expired, re-authenticating")
		c.mu.Lock()
		c.ticket = ""
		c.mu.Unlock()
		return c.requestRetryAuth(ctx, method, path, form, false)
	}
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	var payload struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &APIError{Message: fmt.Sprintf("decode response: %v", err)}
	}
	return payload.Data, nil
}

// taskData runs a mutating call and, when the API hands back a UPID, waits
// for that task to finish.
func (c *Client) runTask(ctx context.Context, method, path string, form url.Values, node string) error {
	data, err := c.request(ctx, method, path, form)
	if err != nil {
		return err
	}
	var upid string
	if err := json.Unmarshal(data, &upid); err != nil || upid == "" {
		// Some calls complete synchronously and return no task id.
		return nil
	}
	return c.waitTask(ctx, node, upid)
}

// waitTask polls a task until it stops; a non-OK exit status is an error.
func (c *Client) waitTask(ctx context.Context, node, upid string) error {
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", node, url.PathEscape(upid))
	ticker := time.NewTicker(c.pollWait)
	defer ticker.Stop()
	for {
		data, err := c.request(ctx, http.MethodGet, path, nil)
		if err == nil {
			var st struct {
				Status     string `json:"status"`
				ExitStatus string `json:"exitstatus"`
			}
			if err := json.Unmarshal(data, &st); err == nil && st.Status == "stopped" {
				if st.ExitStatus == "OK" {
					return nil
				}
				return &APIError{Message: fmt.Sprintf("task %s failed: %s", upid, st.ExitStatus)}
			}
		} else {
			log.Warn().Err(err).Str("upid", upid).Msg("task status check failed, retrying")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CreateSnapshot snapshots a VM without RAM state (faster and more reliable)
// and waits for the backend task to finish.
func (c *Client) CreateSnapshot(ctx context.Context, node string, vmid int, name, description string) error {
	form := url.Values{}
	form.Set("snapname", name)
	form.Set("description", description)
	form.Set("vmstate", "0")
	path := fmt.Sprintf("/nodes/%s/qemu/%d/snapshot", node, vmid)
	return c.runTask(ctx, http.MethodPost, path, form, node)
}

// RollbackSnapshot reverts a VM to a snapshot and waits for the task.
func (c *Client) RollbackSnapshot(ctx context.Context, node string, vmid int, name string) error {
	path := fmt.Sprintf("/nodes/%s/qemu/%d/snapshot/%s/rollback", node, vmid, url.PathEscape(name))
	return c.runTask(ctx, http.MethodPost, path, nil, node)
}

// DeleteSnapshot removes a snapshot and waits for the task.
func (c *Client) DeleteSnapshot(ctx context.Context, node string, vmid int, name string) error {
	path := fmt.Sprintf("/nodes/%s/qemu/%d/snapshot/%s", node, vmid, url.PathEscape(name))
	return c.runTask(ctx, http.MethodDelete, path, nil, node)
}

// ListSnapshots returns the VM's snapshots. The synthetic "current" entry
// the API appends is dropped.
func (c *Client) ListSnapshots(ctx context.Context, node string, vmid int) ([]snapshot.Info, error) {
	path := fmt.Sprintf("/nodes/%s/qemu/%d/snapshot", node, vmid)
	data, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var entries []struct {
		Name        string `json:"name"`
		SnapTime    int64  `json:"snaptime"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &APIError{Message: fmt.Sprintf("decode snapshot list: %v", err)}
	}
	infos := make([]snapshot.Info, 0, len(entries))
	for _, e := range entries {
		if e.Name == "current" {
			continue
		}
		info := snapshot.Info{Name: e.Name, Description: e.Description}
		if e.SnapTime > 0 {
			info.Created = time.Unix(e.SnapTime, 0)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

var _ snapshot.Backend = (*Client)(nil)
