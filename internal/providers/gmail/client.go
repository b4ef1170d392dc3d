package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailmirror/internal/apperr"
	"github.com/Martian-dev/mailmirror/internal/model"
	"github.com/Martian-dev/mailmirror/internal/sync"
)

const (
	// DefaultEndpoint is the Gmail API host
	DefaultEndpoint = "https://gmail.googleapis.com/"

	user          = "me"
	pageSize      = 20
	fetchParallel = 4

	labelUnread  = "UNREAD"
	labelStarred = "STARRED"
	labelDraft   = "DRAFT"
)

// Credentials is the slice of the credential manager the client needs
type Credentials interface {
	Refresh(ctx context.Context, acct *model.Account) error
}

// Client implements sync.MailProvider on top of the Gmail API
type Client struct {
	endpoint string
	http     *http.Client
	creds    Credentials
	log      *logrus.Entry
}

// Option configures a Client
type Option func(*Client)

// WithEndpoint points the client at another Gmail host
func WithEndpoint(u string) Option {
	return func(c *Client) { c.endpoint = strings.TrimRight(u, "/") + "/" }
}

// WithHTTPClient sets the base transport
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a Gmail client
func NewClient(creds Credentials, log *logrus.Entry, opts ...Option) *Client {
	c := &Client{
		endpoint: DefaultEndpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
		creds:    creds,
		log:      log.WithField("provider", "gmail"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// service builds a Gmail service authorized with a bare access token
func (c *Client) service(ctx context.Context, accessToken string) (*gmailv1.Service, error) {
	httpClient := &http.Client{
		Timeout: c.http.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   c.http.Transport,
		},
	}
	svc, err := gmailv1.NewService(ctx, option.WithHTTPClient(httpClient), option.WithEndpoint(c.endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// call runs fn against acct's mailbox. A 401 triggers one credential refresh
// and one retry; a second 401 means the account must be re-linked.
func (c *Client) call(ctx context.Context, acct *model.Account, action string, fn func(*gmailv1.Service) error) error {
	svc, err := c.service(ctx, acct.Credentials.AccessToken)
	if err != nil {
		return err
	}

	err = fn(svc)
	if isUnauthorized(err) {
		c.log.WithField("account", acct.ID).Debug("access token rejected, refreshing")
		if err := c.creds.Refresh(ctx, acct); err != nil {
			return err
		}

		if svc, err = c.service(ctx, acct.Credentials.AccessToken); err != nil {
			return err
		}
		err = fn(svc)
		if isUnauthorized(err) {
			return fmt.Errorf("%w: token rejected after refresh while %s", apperr.ErrAuthInvalid, action)
		}
	}
	if err != nil {
		return fail(action, err)
	}
	return nil
}

func isUnauthorized(err error) bool {
	return statusOf(err) == http.StatusUnauthorized
}

func isNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

func statusOf(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func fail(action string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return apperr.NewRemoteError(action, 0, "", err)
	}
	code := ""
	if len(gerr.Errors) > 0 {
		code = gerr.Errors[0].Reason
	}
	return apperr.NewRemoteError(action, gerr.Code, code, err)
}

// FetchProfile loads the mailbox behind a freshly issued access token
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (model.Profile, error) {
	const action = "fetching user profile"

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return model.Profile{}, err
	}
	profile, err := svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		if isUnauthorized(err) {
			return model.Profile{}, apperr.NewRemoteError(action, http.StatusUnauthorized, "", apperr.ErrAuthExpired)
		}
		return model.Profile{}, fail(action, err)
	}

	// Gmail exposes no separate user id; the address is stable per mailbox
	return model.Profile{
		ExternalUserID: profile.EmailAddress,
		Email:          profile.EmailAddress,
	}, nil
}

// FetchFolderList returns every label of the mailbox as a folder
func (c *Client) FetchFolderList(ctx context.Context, acct *model.Account) ([]sync.RemoteFolder, error) {
	var labels []*gmailv1.Label

	err := c.call(ctx, acct, "fetching mail folders", func(svc *gmailv1.Service) error {
		resp, err := svc.Users.Labels.List(user).Context(ctx).Do()
		if err != nil {
			return err
		}

		// counters are only returned by labels.get
		labels = make([]*gmailv1.Label, len(resp.Labels))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(fetchParallel)
		for i, l := range resp.Labels {
			g.Go(func() error {
				full, err := svc.Users.Labels.Get(user, l.Id).Context(gctx).Do()
				if err != nil {
					return err
				}
				labels[i] = full
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		return nil, err
	}

	return foldersFromLabels(labels), nil
}

// MarkMessageAsRead removes the UNREAD label
func (c *Client) MarkMessageAsRead(ctx context.Context, acct *model.Account, folder *model.Folder, msg *model.Message) error {
	req := &gmailv1.ModifyMessageRequest{RemoveLabelIds: []string{labelUnread}}
	return c.call(ctx, acct, "updating message", func(svc *gmailv1.Service) error {
		_, err := svc.Users.Messages.Modify(user, msg.ExternalID, req).Context(ctx).Do()
		return err
	})
}

// getMessages fetches full messages keeping the order of ids. Messages that
// vanished between listing and fetching are reported in missing.
func getMessages(ctx context.Context, svc *gmailv1.Service, ids []string) (found []*gmailv1.Message, missing []string, err error) {
	out := make([]*gmailv1.Message, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallel)
	for i, id := range ids {
		g.Go(func() error {
			m, err := svc.Users.Messages.Get(user, id).Format("full").Context(gctx).Do()
			if isNotFound(err) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("get message %s: %w", id, err)
			}
			out[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	for i, m := range out {
		if m == nil {
			missing = append(missing, ids[i])
			continue
		}
		found = append(found, m)
	}
	return found, missing, nil
}
