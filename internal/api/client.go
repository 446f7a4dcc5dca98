// Package api is the ProjectDesk REST API client. All authenticated
// calls go through AuthTransport, which attaches the bearer token and
// recovers from 401s with a single coordinated refresh.
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/projectdesk/deskd/internal/tokenstore"
)

const DefaultBaseURL = "https://api.projectdesk.io/api"

// ClientOpts configures a Client.
type ClientOpts struct {
	// BaseURL overrides DefaultBaseURL.
	BaseURL string
	// Store provides the bearer token for outbound calls. A NullStore is
	// used when nil, so unauthenticated calls proceed without the header.
	Store tokenstore.Store
	// Refresh mints a new token after a 401. Optional.
	Refresh RefreshFunc
	// OnAuthFailure is invoked once when a refresh fails. Optional.
	OnAuthFailure func(error)
}

// Client is the ProjectDesk API client.
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// NewClient creates an API client.
func NewClient(opts ClientOpts) *Client {
	c := Client{baseURL: DefaultBaseURL}
	if opts.BaseURL != "" {
		c.baseURL = opts.BaseURL
	}

	store := opts.Store
	if store == nil {
		store = tokenstore.NewNullStore()
	}

	c.httpClient = resty.New().
		SetBaseURL(c.baseURL).
		SetHeaders(map[string]string{
			"Accept":     "application/json",
			"User-Agent": "deskd/1.0",
		}).
		SetTransport(&AuthTransport{
			Store:         store,
			Refresh:       opts.Refresh,
			OnAuthFailure: opts.OnAuthFailure,
		})

	return &c
}

func (c *Client) req(ctx context.Context, result any) *resty.Request {
	request := c.httpClient.
		NewRequest().
		SetContext(ctx)

	if result != nil {
		request.SetResult(result)
	}

	return request
}

// ExchangeIdentity exchanges a provider identity token for the session's
// user record.
func (c *Client) ExchangeIdentity(ctx context.Context, idToken string) (User, error) {
	result := &userResponse{}

	_, err := handleError(c.req(ctx, result).
		SetBody(map[string]string{"token": idToken}).
		Post("/auth/github"))

	return result.User, err
}

// RefreshSession re-fetches the user record using the current token.
func (c *Client) RefreshSession(ctx context.Context) (User, error) {
	result := &userResponse{}

	_, err := handleError(c.req(ctx, result).
		Get("/auth/refresh"))

	return result.User, err
}

// Logout invalidates the session on the backend. Best effort; callers
// proceed with local cleanup regardless of the result.
func (c *Client) Logout(ctx context.Context) error {
	_, err := handleError(c.req(ctx, nil).
		Post("/auth/logout"))

	return err
}

// ListProjects returns the user's projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	result := &projectsResponse{}

	_, err := handleError(c.req(ctx, result).
		Get("/projects"))

	return result.Projects, err
}

// CreateProject creates a new project.
func (c *Client) CreateProject(ctx context.Context, payload CreateProjectRequest) (Project, error) {
	result := &projectResponse{}

	_, err := handleError(c.req(ctx, result).
		SetBody(payload).
		Post("/projects"))

	return result.Project, err
}

// StatusError is returned for failing responses (>399 status code).
type StatusError struct {
	Status int
	Method string
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed: %s %s (status: %d)", e.Method, e.URL, e.Status)
}

// IsUnauthorized reports whether err is a 401 response.
func IsUnauthorized(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == 401
}

// handleError is a generic error handler for failing responses (>399
// status code). Without this, failing responses would have nil error.
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if res.IsError() {
		return res, &StatusError{
			Status: res.StatusCode(),
			Method: res.Request.Method,
			URL:    res.Request.URL,
		}
	}

	return res, nil
}
