package outlook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmirror/internal/apperr"
	"github.com/Martian-dev/mailmirror/internal/model"
)

type fakeCredentials struct {
	refreshes  atomic.Int32
	refreshErr error
	newToken   string
}

func (f *fakeCredentials) AuthHeader(acct *model.Account) string {
	return "Bearer " + acct.Credentials.AccessToken
}

func (f *fakeCredentials) Refresh(ctx context.Context, acct *model.Account) error {
	f.refreshes.Add(1)
	if f.refreshErr != nil {
		return f.refreshErr
	}
	acct.Credentials.AccessToken = f.newToken
	return nil
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newTestClient(t *testing.T, handler http.HandlerFunc, creds *fakeCredentials) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(creds, testLogger(), WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
}

func account() *model.Account {
	return &model.Account{ID: "acct-1", Credentials: model.Credentials{AccessToken: "old", RefreshToken: "r"}}
}

func writeGraphError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%q,"message":"nope"}}`, code)
}

func TestCallAPIRefreshesOnceAndRetries(t *testing.T) {
	var seen []string
	creds := &fakeCredentials{newToken: "new"}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") != "Bearer new" {
			writeGraphError(w, http.StatusUnauthorized, "InvalidAuthenticationToken")
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}, creds)

	acct := account()
	body, err := c.CallAPI(context.Background(), Request{Account: acct, Method: http.MethodGet, URL: "/v1.0/me", Action: "testing"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, []string{"Bearer old", "Bearer new"}, seen)
	assert.EqualValues(t, 1, creds.refreshes.Load())
	assert.Equal(t, "new", acct.Credentials.AccessToken)
}

func TestCallAPISecondAuthFailureIsFatal(t *testing.T) {
	var calls atomic.Int32
	creds := &fakeCredentials{newToken: "still-bad"}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeGraphError(w, http.StatusUnauthorized, "InvalidAuthenticationToken")
	}, creds)

	_, err := c.CallAPI(context.Background(), Request{Account: account(), Method: http.MethodGet, URL: "/v1.0/me", Action: "testing"})
	assert.ErrorIs(t, err, apperr.ErrAuthInvalid)
	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 1, creds.refreshes.Load())
}

func TestCallAPIAuthCodeWithoutStatus401(t *testing.T) {
	var calls atomic.Int32
	creds := &fakeCredentials{newToken: "new"}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeGraphError(w, http.StatusForbidden, "InvalidAuthenticationToken")
			return
		}
		w.Write([]byte(`{}`))
	}, creds)

	_, err := c.CallAPI(context.Background(), Request{Account: account(), Method: http.MethodGet, URL: "/x", Action: "testing"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, creds.refreshes.Load())
}

func TestCallAPIRefreshFailureIsFatal(t *testing.T) {
	var calls atomic.Int32
	creds := &fakeCredentials{refreshErr: fmt.Errorf("%w: revoked", apperr.ErrAuthInvalid)}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeGraphError(w, http.StatusUnauthorized, "InvalidAuthenticationToken")
	}, creds)

	_, err := c.CallAPI(context.Background(), Request{Account: account(), Method: http.MethodGet, URL: "/x", Action: "testing"})
	assert.ErrorIs(t, err, apperr.ErrAuthInvalid)
	assert.EqualValues(t, 1, calls.Load())
}

func TestCallAPIWithoutAccountNeverRefreshes(t *testing.T) {
	creds := &fakeCredentials{newToken: "new"}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer raw-token", r.Header.Get("Authorization"))
		writeGraphError(w, http.StatusUnauthorized, "InvalidAuthenticationToken")
	}, creds)

	_, err := c.CallAPI(context.Background(), Request{AccessToken: "raw-token", Method: http.MethodGet, URL: "/v1.0/me", Action: "fetching user profile"})
	assert.ErrorIs(t, err, apperr.ErrAuthExpired)
	assert.ErrorIs(t, err, apperr.ErrRemoteCallFailed)
	assert.Zero(t, creds.refreshes.Load())
}

func TestCallAPIWrapsOtherFailures(t *testing.T) {
	creds := &fakeCredentials{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeGraphError(w, http.StatusServiceUnavailable, "ServiceNotAvailable")
	}, creds)

	_, err := c.CallAPI(context.Background(), Request{Account: account(), Method: http.MethodGet, URL: "/x", Action: "fetching mail folders"})
	var remote *apperr.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "fetching mail folders", remote.Action)
	assert.Equal(t, http.StatusServiceUnavailable, remote.StatusCode)
	assert.Equal(t, "ServiceNotAvailable", remote.Code)

	_, err = c.CallAPI(context.Background(), Request{Account: account(), Method: http.MethodGet, URL: "/x"})
	assert.ErrorIs(t, err, apperr.ErrSyncFailed)
	assert.NotErrorIs(t, err, apperr.ErrRemoteCallFailed)
	assert.Zero(t, creds.refreshes.Load())
}

func TestCallAPITimeoutIsGenericFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	c := NewClient(&fakeCredentials{}, testLogger(), WithBaseURL(srv.URL), WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}))

	_, err := c.CallAPI(context.Background(), Request{Account: account(), Method: http.MethodGet, URL: "/x", Action: "fetching delta messages"})
	assert.ErrorIs(t, err, apperr.ErrRemoteCallFailed)
	assert.NotErrorIs(t, err, apperr.ErrAuthInvalid)
}

func TestFetchUser(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/me", r.URL.Path)
		w.Write([]byte(`{"id":"ext-1","displayName":"Ann Smith","mail":null,"userPrincipalName":"ann@contoso.com"}`))
	}, &fakeCredentials{})

	profile, err := c.FetchUser(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, model.Profile{ExternalUserID: "ext-1", Email: "ann@contoso.com", Name: "Ann Smith"}, profile)
}

func TestFetchFolderListFollowsNextLink(t *testing.T) {
	var srvURL string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			w.Write([]byte(`{"value":[{"id":"F2","displayName":"Archive","parentFolderId":"F1","totalItemCount":0,"unreadItemCount":0,"childFolderCount":0,"isHidden":true}]}`))
			return
		}
		assert.Equal(t, "true", r.URL.Query().Get("includeHiddenFolders"))
		fmt.Fprintf(w, `{"value":[{"id":"F1","displayName":"Inbox","totalItemCount":12,"unreadItemCount":3,"childFolderCount":1,"sizeInBytes":2048,"isHidden":false}],"@odata.nextLink":"%s/v1.0/me/mailFolders?page=2"}`, srvURL)
	}, &fakeCredentials{})
	srvURL = c.baseURL

	folders, err := c.FetchFolderList(context.Background(), account())
	require.NoError(t, err)
	require.Len(t, folders, 2)

	assert.Equal(t, "F1", folders[0].ExternalID)
	assert.Equal(t, "Inbox", folders[0].DisplayName)
	assert.EqualValues(t, 12, folders[0].ItemCount)
	assert.EqualValues(t, 3, folders[0].UnreadItemCount)
	assert.EqualValues(t, 1, folders[0].ChildFolderCount)
	assert.EqualValues(t, 2048, folders[0].SizeInBytes)

	assert.Equal(t, "F1", folders[1].ParentExternalID)
	assert.True(t, folders[1].IsHidden)
}

const deltaBody = `{
  "value": [
    {"id": "M9", "@removed": {"reason": "deleted"}},
    {
      "id": "M1",
      "subject": "Hello",
      "isRead": true,
      "receivedDateTime": "2024-03-01T12:00:00Z",
      "from": {"emailAddress": {"name": "Ann", "address": "ann@example.com"}},
      "toRecipients": [{"emailAddress": {"name": "Bob", "address": "bob@example.com"}}],
      "body": {"contentType": "html", "content": "<p>Hi</p>"},
      "flag": {"flagStatus": "flagged"}
    },
    {"id": "M2", "isRead": false}
  ],
  "@odata.deltaLink": "https://graph.microsoft.com/v1.0/me/mailFolders/F1/messages/delta?$deltatoken=abc123"
}`

func TestFetchDeltaMessagesParsesPage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/me/mailFolders/F1/messages/delta", r.URL.Path)
		assert.Equal(t, "odata.maxpagesize=20", r.Header.Get("Prefer"))
		assert.Equal(t, "prev-delta", r.URL.Query().Get("$deltatoken"))
		w.Write([]byte(deltaBody))
	}, &fakeCredentials{})

	page, err := c.FetchDeltaMessages(context.Background(), account(), &model.Folder{ExternalID: "F1", DeltaToken: "prev-delta"})
	require.NoError(t, err)

	assert.Equal(t, []string{"M9"}, page.RemovedIDs)
	assert.Equal(t, "abc123", page.DeltaToken)
	assert.Empty(t, page.SkipToken)
	require.Len(t, page.Updated, 2)

	m1 := page.Updated[0]
	assert.Equal(t, "M1", m1.ExternalID)
	require.NotNil(t, m1.Subject)
	assert.Equal(t, "Hello", *m1.Subject)
	require.NotNil(t, m1.ReceivedDateTime)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(), m1.ReceivedDateTime.UnixMilli())
	require.NotNil(t, m1.From)
	assert.Equal(t, model.Address{Name: "Ann", Address: "ann@example.com"}, *m1.From)
	require.NotNil(t, m1.ToRecipients)
	assert.Equal(t, []model.Address{{Name: "Bob", Address: "bob@example.com"}}, *m1.ToRecipients)
	require.NotNil(t, m1.Body)
	assert.Equal(t, model.Body{ContentType: "html", Content: "<p>Hi</p>"}, *m1.Body)
	require.NotNil(t, m1.IsFlagged)
	assert.True(t, *m1.IsFlagged)

	m2 := page.Updated[1]
	require.NotNil(t, m2.IsRead)
	assert.False(t, *m2.IsRead)
	assert.Nil(t, m2.Subject)
	assert.Nil(t, m2.IsFlagged)
	assert.Nil(t, m2.ToRecipients)
	assert.Nil(t, m2.ReceivedDateTime)
}

func TestFetchDeltaMessagesSkipToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s-1", r.URL.Query().Get("$skiptoken"))
		assert.Empty(t, r.URL.Query().Get("$deltatoken"))
		w.Write([]byte(`{"value":[],"@odata.nextLink":"https://graph.microsoft.com/v1.0/me/mailFolders/F1/messages/delta?$skiptoken=s-2"}`))
	}, &fakeCredentials{})

	page, err := c.FetchDeltaMessages(context.Background(), account(), &model.Folder{ExternalID: "F1", SkipToken: "s-1", DeltaToken: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "s-2", page.SkipToken)
	assert.Empty(t, page.DeltaToken)
}

func TestUpdateMessagePatchesIsRead(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/v1.0/me/messages/M1", r.URL.Path)

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, true, body["isRead"])

		w.Write([]byte(`{"id":"M1","isRead":true}`))
	}, &fakeCredentials{})

	err := c.MarkMessageAsRead(context.Background(), account(), &model.Folder{ExternalID: "F1"}, &model.Message{ExternalID: "M1"})
	assert.NoError(t, err)
}

func TestLinkToken(t *testing.T) {
	assert.Equal(t, "abc", linkToken("https://graph.microsoft.com/v1.0/me/messages/delta?$deltatoken=abc", "$deltatoken"))
	assert.Equal(t, "xyz", linkToken("https://graph.microsoft.com/v1.0/me/messages/delta?$skipToken=xyz", "$skiptoken"))
	assert.Empty(t, linkToken("", "$deltatoken"))
	assert.Empty(t, linkToken("https://graph.microsoft.com/v1.0/me", "$deltatoken"))
}
