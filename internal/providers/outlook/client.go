package outlook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsonserialization "github.com/microsoft/kiota-serialization-json-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailmirror/internal/apperr"
	"github.com/Martian-dev/mailmirror/internal/model"
	"github.com/Martian-dev/mailmirror/internal/sync"
)

const (
	// DefaultBaseURL is the Microsoft Graph host
	DefaultBaseURL = "https://graph.microsoft.com"

	deltaPageSize = 20
	authErrorCode = "InvalidAuthenticationToken"
)

// Credentials is the slice of the credential manager the client needs
type Credentials interface {
	AuthHeader(acct *model.Account) string
	Refresh(ctx context.Context, acct *model.Account) error
}

// Client talks to Microsoft Graph on behalf of linked accounts
type Client struct {
	baseURL string
	http    *http.Client
	creds   Credentials
	log     *logrus.Entry
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL points the client at another Graph host
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the transport
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a Graph client
func NewClient(creds Credentials, log *logrus.Entry, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		creds:   creds,
		log:     log.WithField("provider", "outlook"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request is one Graph call. With an Account the call is authorized from its
// credentials and retried once after a refresh; otherwise AccessToken is used
// as is.
type Request struct {
	Account     *model.Account
	AccessToken string
	Method      string
	URL         string
	Body        []byte
	Headers     map[string]string
	// Action describes the call in errors, e.g. "fetching mail folders"
	Action string
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CallAPI performs req and returns the response body
func (c *Client) CallAPI(ctx context.Context, req Request) ([]byte, error) {
	status, body, err := c.do(ctx, req)
	if err != nil {
		return nil, c.fail(req.Action, 0, "", err)
	}

	code := errorCode(body)
	if isAuthExpired(status, code) {
		if req.Account == nil {
			return nil, c.fail(req.Action, status, code, apperr.ErrAuthExpired)
		}

		c.log.WithField("account", req.Account.ID).Debug("access token rejected, refreshing")
		if err := c.creds.Refresh(ctx, req.Account); err != nil {
			return nil, err
		}

		status, body, err = c.do(ctx, req)
		if err != nil {
			return nil, c.fail(req.Action, 0, "", err)
		}
		code = errorCode(body)
		if isAuthExpired(status, code) {
			return nil, fmt.Errorf("%w: token rejected after refresh while %s", apperr.ErrAuthInvalid, req.Action)
		}
	}

	if status >= http.StatusBadRequest {
		return nil, c.fail(req.Action, status, code, fmt.Errorf("%s", errorMessage(status, body)))
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, req Request) (int, []byte, error) {
	var reader io.Reader
	if req.Body != nil {
		reader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.resolve(req.URL), reader)
	if err != nil {
		return 0, nil, err
	}

	if req.Account != nil {
		httpReq.Header.Set("Authorization", c.creds.AuthHeader(req.Account))
	} else if req.AccessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func (c *Client) resolve(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return c.baseURL + u
}

func (c *Client) fail(action string, status int, code string, err error) error {
	if action == "" {
		return fmt.Errorf("%w: %v", apperr.ErrSyncFailed, err)
	}
	return apperr.NewRemoteError(action, status, code, err)
}

func isAuthExpired(status int, code string) bool {
	return status == http.StatusUnauthorized || code == authErrorCode
}

func errorCode(body []byte) string {
	var ge graphError
	if len(body) == 0 || json.Unmarshal(body, &ge) != nil {
		return ""
	}
	return ge.Error.Code
}

func errorMessage(status int, body []byte) string {
	var ge graphError
	if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
		return fmt.Sprintf("%d %s", status, ge.Error.Message)
	}
	return fmt.Sprintf("%d %s", status, http.StatusText(status))
}

// collection is a Graph list envelope; items stay raw until mapped
type collection struct {
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink"`
	DeltaLink string            `json:"@odata.deltaLink"`
}

// FetchUser loads the profile behind a freshly issued access token
func (c *Client) FetchUser(ctx context.Context, accessToken string) (model.Profile, error) {
	body, err := c.CallAPI(ctx, Request{
		AccessToken: accessToken,
		Method:      http.MethodGet,
		URL:         "/v1.0/me",
		Action:      "fetching user profile",
	})
	if err != nil {
		return model.Profile{}, err
	}

	parsed, err := parseObject(body, models.CreateUserFromDiscriminatorValue)
	if err != nil {
		return model.Profile{}, fmt.Errorf("failed to decode user: %w", err)
	}
	user, ok := parsed.(models.Userable)
	if !ok {
		return model.Profile{}, fmt.Errorf("unexpected user payload")
	}
	return profileFromUser(user), nil
}

// FetchFolderList returns every mail folder of acct including hidden ones
func (c *Client) FetchFolderList(ctx context.Context, acct *model.Account) ([]sync.RemoteFolder, error) {
	next := "/v1.0/me/mailFolders?includeHiddenFolders=true&$top=100"
	var folders []sync.RemoteFolder

	for next != "" {
		body, err := c.CallAPI(ctx, Request{
			Account: acct,
			Method:  http.MethodGet,
			URL:     next,
			Action:  "fetching mail folders",
		})
		if err != nil {
			return nil, err
		}

		var page collection
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to decode mail folders: %w", err)
		}

		for _, raw := range page.Value {
			folder, err := decodeFolder(raw)
			if err != nil {
				return nil, err
			}
			folders = append(folders, folder)
		}
		next = page.NextLink
	}

	return folders, nil
}

// FetchDeltaMessages pulls one delta page of folder, resuming from its cursor
func (c *Client) FetchDeltaMessages(ctx context.Context, acct *model.Account, folder *model.Folder) (*sync.DeltaPage, error) {
	query := url.Values{}
	switch {
	case folder.SkipToken != "":
		query.Set("$skiptoken", folder.SkipToken)
	case folder.DeltaToken != "":
		query.Set("$deltatoken", folder.DeltaToken)
	}

	u := "/v1.0/me/mailFolders/" + url.PathEscape(folder.ExternalID) + "/messages/delta"
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	body, err := c.CallAPI(ctx, Request{
		Account: acct,
		Method:  http.MethodGet,
		URL:     u,
		Headers: map[string]string{"Prefer": fmt.Sprintf("odata.maxpagesize=%d", deltaPageSize)},
		Action:  "fetching delta messages",
	})
	if err != nil {
		return nil, err
	}

	var resp collection
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode delta messages: %w", err)
	}

	page := &sync.DeltaPage{
		DeltaToken: linkToken(resp.DeltaLink, "$deltatoken"),
	}
	if page.DeltaToken == "" {
		page.SkipToken = linkToken(resp.NextLink, "$skiptoken")
	}

	for _, raw := range resp.Value {
		var head struct {
			ID      string          `json:"id"`
			Removed json.RawMessage `json:"@removed"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("failed to decode delta item: %w", err)
		}
		if head.Removed != nil {
			page.RemovedIDs = append(page.RemovedIDs, head.ID)
			continue
		}

		msg, err := decodeMessage(raw)
		if err != nil {
			return nil, err
		}
		page.Updated = append(page.Updated, msg)
	}

	return page, nil
}

// UpdateMessage sets the isRead flag of one message
func (c *Client) UpdateMessage(ctx context.Context, acct *model.Account, externalID string, isRead bool) error {
	patch := models.NewMessage()
	patch.SetIsRead(&isRead)

	w := jsonserialization.NewJsonSerializationWriter()
	if err := w.WriteObjectValue("", patch); err != nil {
		return fmt.Errorf("failed to encode message update: %w", err)
	}
	body, err := w.GetSerializedContent()
	if err != nil {
		return fmt.Errorf("failed to encode message update: %w", err)
	}

	_, err = c.CallAPI(ctx, Request{
		Account: acct,
		Method:  http.MethodPatch,
		URL:     "/v1.0/me/messages/" + url.PathEscape(externalID),
		Body:    body,
		Action:  "updating message",
	})
	return err
}

// MarkMessageAsRead implements sync.MailProvider
func (c *Client) MarkMessageAsRead(ctx context.Context, acct *model.Account, folder *model.Folder, msg *model.Message) error {
	return c.UpdateMessage(ctx, acct, msg.ExternalID, true)
}

// linkToken extracts a query parameter from an OData link
func linkToken(link, param string) string {
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	for k, v := range u.Query() {
		if strings.EqualFold(k, param) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
