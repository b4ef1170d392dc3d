package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailmirror/internal/auth"
	"github.com/Martian-dev/mailmirror/internal/model"
	"github.com/Martian-dev/mailmirror/internal/notify"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type handler struct {
	accounts Accounts
	mail     Mail
	hub      *notify.Hub
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// LinkRequest carries the authorization code returned by the consent page
type LinkRequest struct {
	Code string `json:"code" binding:"required"`
}

func providerParam(c *gin.Context) (model.ProviderType, bool) {
	switch strings.ToLower(c.Param("provider")) {
	case "microsoft":
		return model.ProviderMicrosoft, true
	case "google":
		return model.ProviderGoogle, true
	}
	badRequest(c, "unknown provider "+c.Param("provider"))
	return "", false
}

func userID(c *gin.Context) string {
	return auth.CurrentUser(c).ID
}

func (h *handler) authURL(c *gin.Context) {
	t, valid := providerParam(c)
	if !valid {
		return
	}

	state := c.Query("state")
	if state == "" {
		state = uuid.NewString()
	}
	u, err := h.accounts.AuthURL(t, state)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	ok(c, gin.H{"url": u, "state": state})
}

func (h *handler) link(c *gin.Context) {
	t, valid := providerParam(c)
	if !valid {
		return
	}

	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "code is required")
		return
	}

	acct, err := h.accounts.Link(c.Request.Context(), userID(c), t, req.Code)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	created(c, acct.Summary())
}

func (h *handler) listAccounts(c *gin.Context) {
	list, err := h.accounts.List(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	ok(c, list)
}

func (h *handler) getAccount(c *gin.Context) {
	acct, err := h.accounts.Get(c.Request.Context(), userID(c), c.Param("accountId"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	ok(c, acct)
}

func (h *handler) deleteAccount(c *gin.Context) {
	if err := h.accounts.Delete(c.Request.Context(), userID(c), c.Param("accountId")); err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) triggerSync(c *gin.Context) {
	if err := h.accounts.TriggerSync(c.Request.Context(), userID(c), c.Param("accountId")); err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"status": "scheduled"}})
}

func (h *handler) listFolders(c *gin.Context) {
	folders, err := h.accounts.Folders(c.Request.Context(), userID(c), c.Param("accountId"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	ok(c, folders)
}

func (h *handler) listMessages(c *gin.Context) {
	limit, offset, valid := paging(c)
	if !valid {
		return
	}

	page, err := h.accounts.Messages(c.Request.Context(), userID(c), c.Param("accountId"), c.Param("folderId"), limit, offset)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	paginated(c, page.List, Meta{Total: page.Count, Limit: limit, Offset: offset})
}

func paging(c *gin.Context) (limit, offset int, valid bool) {
	limit, offset = defaultPageSize, 0
	var err error
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			badRequest(c, "limit must be a positive integer")
			return 0, 0, false
		}
	}
	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			badRequest(c, "offset must be a non-negative integer")
			return 0, 0, false
		}
	}
	return min(limit, maxPageSize), offset, true
}

func (h *handler) getMessage(c *gin.Context) {
	msg, err := h.accounts.Message(c.Request.Context(), userID(c), c.Param("accountId"), c.Param("folderId"), c.Param("messageId"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	ok(c, msg)
}

func (h *handler) markRead(c *gin.Context) {
	err := h.mail.MarkMessageAsRead(c.Request.Context(), userID(c), c.Param("accountId"), c.Param("folderId"), c.Param("messageId"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// sse streams the caller's invalidations as server-sent events
func (h *handler) sse(c *gin.Context) {
	updates, cancel := h.hub.Subscribe(userID(c))
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case inv, open := <-updates:
			if !open {
				return false
			}
			body, err := notify.Encode(inv)
			if err != nil {
				h.log.WithError(err).Warn("failed to encode notification")
				return true
			}
			c.SSEvent("message", string(body))
			return true
		}
	})
}

func (h *handler) ws(c *gin.Context) {
	if err := h.hub.ServeWS(h.upgrader, c.Writer, c.Request, userID(c)); err != nil {
		// the upgrader already wrote the error response
		h.log.WithError(err).Debug("websocket upgrade failed")
	}
}
