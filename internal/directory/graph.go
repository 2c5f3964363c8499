package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/b1gate/b1gate/internal/platform/telemetry"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	graphScope          = "https://graph.microsoft.com/.default"
	maxBackoff          = 30 * time.Second
	maxResponseBytes    = 4 << 20
	jitterDivisor       = 2
)

// GraphConfig configures the Microsoft Graph client.
type GraphConfig struct {
	TenantID          string
	ClientID          string
	ClientSecret      string
	BaseURL           string
	TokenURL          string
	InviteRedirectURL string
	CallTimeout       time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	RequestsPerSecond float64
}

func (c *GraphConfig) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultGraphBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.TokenURL == "" {
		c.TokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.TenantID)
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = maxBackoff
	}
}

// GraphOption configures a GraphClient.
type GraphOption func(*GraphClient)

// WithHTTPClient replaces the client-credentials HTTP client. The given
// client must attach its own authorization.
func WithHTTPClient(hc *http.Client) GraphOption {
	return func(c *GraphClient) { c.http = hc }
}

func WithMetrics(m *telemetry.Metrics) GraphOption {
	return func(c *GraphClient) { c.metrics = m }
}

func WithLogger(l *slog.Logger) GraphOption {
	return func(c *GraphClient) { c.logger = l }
}

// GraphClient implements Directory against Microsoft Graph v1.0.
type GraphClient struct {
	cfg     GraphConfig
	http    *http.Client
	limiter *rate.Limiter
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

var _ Directory = (*GraphClient)(nil)

// NewGraphClient creates a Graph client authenticating with the OAuth2
// client credentials grant.
func NewGraphClient(cfg GraphConfig, opts ...GraphOption) (*GraphClient, error) {
	cfg.setDefaults()
	c := &GraphClient{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, errors.New("graph client requires tenant id, client id and client secret")
		}
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       []string{graphScope},
		}
		c.http = cc.Client(context.Background())
	}

	limit, burst := rate.Inf, 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}
	c.limiter = rate.NewLimiter(limit, burst)
	return c, nil
}

// callError is a failed Graph call. Status is zero for transport failures.
type callError struct {
	status  int
	code    string
	message string
	err     error
}

func (e *callError) Error() string {
	if e.status == 0 {
		return fmt.Sprintf("graph request failed: %v", e.err)
	}
	return fmt.Sprintf("graph returned %d %s: %s", e.status, e.code, e.message)
}

func (e *callError) Unwrap() error { return ErrExternalService }

func (e *callError) retryable() bool {
	return e.status == 0 || e.status == http.StatusTooManyRequests || e.status >= 500
}

func hasStatus(err error, status int) bool {
	var ce *callError
	return errors.As(err, &ce) && ce.status == status
}

func alreadyExists(err error) bool {
	var ce *callError
	if !errors.As(err, &ce) {
		return false
	}
	if ce.status != http.StatusBadRequest && ce.status != http.StatusConflict {
		return false
	}
	return strings.Contains(strings.ToLower(ce.message), "already exist")
}

// do performs one logical call with rate limiting and retries. A path
// starting with http is used verbatim, as for @odata.nextLink.
func (c *GraphClient) do(ctx context.Context, method, path string, body, out any) error {
	target := path
	if !strings.HasPrefix(path, "http") {
		target = c.cfg.BaseURL + path
	}
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshaling graph request: %w", err)
		}
	}

	var lastErr error
	for attempt := range c.cfg.MaxAttempts {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrExternalService, err)
		}
		retryAfter, err := c.attempt(ctx, method, target, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var ce *callError
		if !errors.As(err, &ce) || !ce.retryable() || attempt == c.cfg.MaxAttempts-1 {
			break
		}
		delay := c.backoff(attempt)
		if retryAfter >= 0 {
			delay = min(retryAfter, c.backoffLimit())
		}
		c.logger.Debug("retrying graph request", "method", method, "path", path, "attempt", attempt+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrExternalService, ctx.Err())
		case <-timer.C:
		}
	}
	return lastErr
}

func (c *GraphClient) attempt(ctx context.Context, method, target string, payload []byte, out any) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return -1, fmt.Errorf("creating graph request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return -1, &callError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return -1, &callError{err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return -1, fmt.Errorf("%w: decoding graph response: %v", ErrExternalService, err)
			}
		}
		return -1, nil
	}

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	return parseRetryAfter(resp.Header.Get("Retry-After")), &callError{
		status:  resp.StatusCode,
		code:    envelope.Error.Code,
		message: envelope.Error.Message,
	}
}

// backoff is exponential with up to 50% added jitter.
func (c *GraphClient) backoffLimit() time.Duration {
	if c.cfg.MaxBackoff > 0 {
		return c.cfg.MaxBackoff
	}
	return maxBackoff
}

func (c *GraphClient) backoff(attempt int) time.Duration {
	limit := c.backoffLimit()
	d := c.cfg.InitialBackoff << attempt
	if d <= 0 || d > limit {
		d = limit
	}
	return d + time.Duration(rand.Int64N(int64(d/jitterDivisor)+1))
}

// parseRetryAfter returns -1 when the header is absent or not in seconds.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return -1
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return -1
	}
	return time.Duration(secs) * time.Second
}

func (c *GraphClient) observe(operation string, err error) error {
	result := "success"
	if err != nil {
		result = "failure"
		c.logger.Error("directory call failed", "operation", operation, "error", err)
	}
	c.metrics.RecordDirectoryCall(operation, result)
	return err
}

// InviteUser sends a B2B invitation and returns the guest's object id.
func (c *GraphClient) InviteUser(ctx context.Context, email, displayName string) (Invitation, error) {
	req := map[string]any{
		"invitedUserEmailAddress": email,
		"invitedUserDisplayName":  displayName,
		"inviteRedirectUrl":       c.cfg.InviteRedirectURL,
		"sendInvitationMessage":   true,
	}
	var resp struct {
		Status          string `json:"status"`
		InviteRedeemURL string `json:"inviteRedeemUrl"`
		InvitedUser     struct {
			ID string `json:"id"`
		} `json:"invitedUser"`
	}
	if err := c.observe("invite_user", c.do(ctx, http.MethodPost, "/invitations", req, &resp)); err != nil {
		return Invitation{}, err
	}
	return Invitation{
		ObjectID:  resp.InvitedUser.ID,
		Email:     email,
		RedeemURL: resp.InviteRedeemURL,
		Status:    resp.Status,
	}, nil
}

type graphGroup struct {
	ID              string   `json:"id"`
	DisplayName     string   `json:"displayName"`
	GroupTypes      []string `json:"groupTypes"`
	SecurityEnabled bool     `json:"securityEnabled"`
}

func (g graphGroup) kind() (GroupKind, bool) {
	for _, t := range g.GroupTypes {
		if strings.EqualFold(t, "Unified") {
			return GroupKindM365, true
		}
	}
	if g.SecurityEnabled {
		return GroupKindSecurity, true
	}
	return "", false
}

// ListGroupMemberships returns the user's direct security and Microsoft 365
// group memberships in directory order. Distribution lists are skipped.
func (c *GraphClient) ListGroupMemberships(ctx context.Context, objectID string) ([]Group, error) {
	groups := []Group{}
	next := "/users/" + url.PathEscape(objectID) +
		"/memberOf/microsoft.graph.group?$select=id,displayName,groupTypes,securityEnabled"
	for next != "" {
		var page struct {
			Value    []graphGroup `json:"value"`
			NextLink string       `json:"@odata.nextLink"`
		}
		if err := c.do(ctx, http.MethodGet, next, nil, &page); err != nil {
			return nil, c.observe("list_groups", err)
		}
		for _, g := range page.Value {
			if kind, ok := g.kind(); ok {
				groups = append(groups, Group{ID: g.ID, DisplayName: g.DisplayName, Kind: kind})
			}
		}
		next = page.NextLink
	}
	return groups, c.observe("list_groups", nil)
}

// AddToGroup adds the user to a group. Existing membership is success.
func (c *GraphClient) AddToGroup(ctx context.Context, objectID, groupID string) error {
	ref := map[string]string{"@odata.id": c.cfg.BaseURL + "/directoryObjects/" + url.PathEscape(objectID)}
	err := c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/members/$ref", ref, nil)
	if alreadyExists(err) {
		err = nil
	}
	return c.observe("add_to_group", err)
}

// RemoveFromGroup removes the user from a group. Absent membership is
// success.
func (c *GraphClient) RemoveFromGroup(ctx context.Context, objectID, groupID string) error {
	err := c.do(ctx, http.MethodDelete,
		"/groups/"+url.PathEscape(groupID)+"/members/"+url.PathEscape(objectID)+"/$ref", nil, nil)
	if hasStatus(err, http.StatusNotFound) {
		err = nil
	}
	return c.observe("remove_from_group", err)
}

type graphAssignment struct {
	ID                  string `json:"id"`
	ResourceID          string `json:"resourceId"`
	AppRoleID           string `json:"appRoleId"`
	ResourceDisplayName string `json:"resourceDisplayName"`
}

func (g graphAssignment) toAssignment() AppRoleAssignment {
	return AppRoleAssignment{
		ID:                  g.ID,
		ResourceID:          g.ResourceID,
		AppRoleID:           g.AppRoleID,
		ResourceDisplayName: g.ResourceDisplayName,
	}
}

// ListAppRoleAssignments returns the user's application role assignments.
func (c *GraphClient) ListAppRoleAssignments(ctx context.Context, objectID string) ([]AppRoleAssignment, error) {
	out := []AppRoleAssignment{}
	next := "/users/" + url.PathEscape(objectID) + "/appRoleAssignments"
	for next != "" {
		var page struct {
			Value    []graphAssignment `json:"value"`
			NextLink string            `json:"@odata.nextLink"`
		}
		if err := c.do(ctx, http.MethodGet, next, nil, &page); err != nil {
			return nil, c.observe("list_app_roles", err)
		}
		for _, a := range page.Value {
			out = append(out, a.toAssignment())
		}
		next = page.NextLink
	}
	return out, c.observe("list_app_roles", nil)
}

// GrantAppRole assigns an application role. When the same grant already
// exists the existing assignment is returned.
func (c *GraphClient) GrantAppRole(ctx context.Context, objectID string, a AppRoleAssignment) (AppRoleAssignment, error) {
	req := map[string]string{
		"principalId": objectID,
		"resourceId":  a.ResourceID,
		"appRoleId":   a.AppRoleID,
	}
	var resp graphAssignment
	err := c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(objectID)+"/appRoleAssignments", req, &resp)
	if alreadyExists(err) {
		existing, listErr := c.ListAppRoleAssignments(ctx, objectID)
		if listErr != nil {
			return AppRoleAssignment{}, c.observe("grant_app_role", listErr)
		}
		for _, e := range existing {
			if e.SameGrant(a) {
				return e, c.observe("grant_app_role", nil)
			}
		}
	}
	if err != nil {
		return AppRoleAssignment{}, c.observe("grant_app_role", err)
	}
	return resp.toAssignment(), c.observe("grant_app_role", nil)
}

// RevokeAppRole deletes an assignment. A missing assignment is success.
func (c *GraphClient) RevokeAppRole(ctx context.Context, objectID, assignmentID string) error {
	err := c.do(ctx, http.MethodDelete,
		"/users/"+url.PathEscape(objectID)+"/appRoleAssignments/"+url.PathEscape(assignmentID), nil, nil)
	if hasStatus(err, http.StatusNotFound) {
		err = nil
	}
	return c.observe("revoke_app_role", err)
}
