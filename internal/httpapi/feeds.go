package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ilminate-mcp/internal/feeds"
)

// FeedView is the part of the feed manager the HTTP API reads and controls.
type FeedView interface {
	Status(name string) (feeds.Status, bool)
	StatusAll() []feeds.Status
	Unsubscribe(name string) bool
}

// FeedHandler exposes subscription status over HTTP. Subscribing goes through
// the subscribe_to_threat_feed tool so both transports share one code path.
type FeedHandler struct {
	feeds  FeedView
	logger *zap.Logger
}

// NewFeedHandler creates a FeedHandler.
func NewFeedHandler(fv FeedView, logger *zap.Logger) *FeedHandler {
	return &FeedHandler{feeds: fv, logger: logger}
}

// Register mounts the feed routes on the given router group.
func (h *FeedHandler) Register(rg *gin.RouterGroup) {
	f := rg.Group("/feeds")
	{
		f.GET("", h.List)
		f.GET("/:name", h.Get)
		f.DELETE("/:name", h.Delete)
	}
}

// List handles GET /feeds.
func (h *FeedHandler) List(c *gin.Context) {
	list := h.feeds.StatusAll()
	active := 0
	for _, st := range list {
		if st.Status == feeds.StateActive {
			active++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"feeds":        list,
		"total_feeds":  len(list),
		"active_feeds": active,
	})
}

// Get handles GET /feeds/:name.
func (h *FeedHandler) Get(c *gin.Context) {
	st, ok := h.feeds.Status(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "feed not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// Delete handles DELETE /feeds/:name.
func (h *FeedHandler) Delete(c *gin.Context) {
	name := c.Param("name")
	if !h.feeds.Unsubscribe(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "feed not found"})
		return
	}
	h.logger.Info("feed unsubscribed over HTTP", zap.String("feed", name))
	c.Status(http.StatusNoContent)
}
