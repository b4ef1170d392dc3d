package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailmirror/internal/model"
	"github.com/Martian-dev/mailmirror/internal/notify"
	"github.com/Martian-dev/mailmirror/internal/store"
)

// Accounts is the account service as seen by the HTTP layer
type Accounts interface {
	AuthURL(t model.ProviderType, state string) (string, error)
	Link(ctx context.Context, userID string, t model.ProviderType, code string) (*model.Account, error)
	List(ctx context.Context, userID string) ([]model.AccountSummary, error)
	Get(ctx context.Context, userID, accountID string) (model.AccountSummary, error)
	Delete(ctx context.Context, userID, accountID string) error
	TriggerSync(ctx context.Context, userID, accountID string) error
	Folders(ctx context.Context, userID, accountID string) ([]model.Folder, error)
	Messages(ctx context.Context, userID, accountID, folderID string, limit, offset int) (store.Page[model.Message], error)
	Message(ctx context.Context, userID, accountID, folderID, messageID string) (*model.Message, error)
}

// Mail performs remote mailbox actions
type Mail interface {
	MarkMessageAsRead(ctx context.Context, userID, accountID, folderID, messageID string) error
}

// Deps are the collaborators of the router
type Deps struct {
	Accounts Accounts
	Mail     Mail
	Hub      *notify.Hub
	Upgrader websocket.Upgrader
	// Auth authenticates the caller and stores it for auth.CurrentUser
	Auth gin.HandlerFunc
	Log  *logrus.Entry
}

// NewRouter builds the HTTP surface
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Log))

	h := &handler{accounts: d.Accounts, mail: d.Mail, hub: d.Hub, upgrader: d.Upgrader, log: d.Log}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authorized := r.Group("/")
	authorized.Use(d.Auth)

	providers := authorized.Group("/providers/:provider")
	providers.GET("/auth-url", h.authURL)
	providers.POST("/link", h.link)

	accounts := authorized.Group("/accounts")
	accounts.GET("", h.listAccounts)
	accounts.GET("/:accountId", h.getAccount)
	accounts.DELETE("/:accountId", h.deleteAccount)
	accounts.POST("/:accountId/sync", h.triggerSync)
	accounts.GET("/:accountId/folders", h.listFolders)
	accounts.GET("/:accountId/folders/:folderId/messages", h.listMessages)
	accounts.GET("/:accountId/folders/:folderId/messages/:messageId", h.getMessage)
	accounts.POST("/:accountId/folders/:folderId/messages/:messageId/read", h.markRead)

	authorized.GET("/notifications/sse", h.sse)
	authorized.GET("/notifications/ws", h.ws)

	return r
}

func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		}).Debug("request")
	}
}
