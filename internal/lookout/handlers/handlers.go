package handlers

import (
	"errors"
	"net/http"
	"strings"

	"spyglass/pkg/api/common"
	lookoutapi "spyglass/pkg/api/lookout"
	stevedoreclient "spyglass/pkg/clients/stevedore"
	"spyglass/pkg/feed"
	"spyglass/pkg/logging"
	"spyglass/pkg/middleware"
	"spyglass/pkg/playback"

	"github.com/gin-gonic/gin"
)

const serviceName = "lookout"

// Dependencies holds all external dependencies for handlers
type Dependencies struct {
	Logger  logging.Logger
	Manager *playback.Manager
	Relays  []*feed.RelayClient

	// Uploads proxies upload status polls to Stevedore so the client app
	// talks to one origin. Optional; the route is absent without it.
	Uploads *stevedoreclient.Client
}

var deps Dependencies

// Init initializes the handlers with dependencies
func Init(d Dependencies) {
	deps = d
}

// RegisterRoutes mounts the feed API under /api/v1.
func RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/feed", GetFeed)
		v1.GET("/feed/ready", GetReadyVideos)
		v1.GET("/feed/:id", GetVideo)
		v1.POST("/feed/position", SetPosition)
		v1.POST("/feed/:id/load", RequestLoad)
		v1.DELETE("/feed/:id", DisposeVideo)
		v1.POST("/memory-pressure", MemoryPressure)
		v1.GET("/relays", GetRelays)

		if deps.Uploads != nil {
			v1.GET("/uploads/:id", GetUploadStatus)
		}
	}
}

func videoSummary(st playback.VideoState) lookoutapi.VideoSummary {
	return lookoutapi.VideoSummary{
		ID:        st.Descriptor.ID,
		URL:       st.Descriptor.URL,
		PubKey:    st.Descriptor.PubKey,
		Title:     st.Descriptor.Title,
		Phase:     st.Phase.String(),
		Retries:   st.Retries,
		LastError: st.LastError,
	}
}

// GetFeed returns the ordered feed snapshot with the cursor position.
func GetFeed(c middleware.Context) {
	states := deps.Manager.States()
	videos := make([]lookoutapi.VideoSummary, 0, len(states))
	for _, st := range states {
		videos = append(videos, videoSummary(st))
	}
	c.JSON(http.StatusOK, lookoutapi.FeedSnapshotResponse{
		CurrentIndex: deps.Manager.CurrentIndex(),
		Videos:       videos,
	})
}

// GetReadyVideos lists only videos whose players can start immediately.
func GetReadyVideos(c middleware.Context) {
	states := deps.Manager.States()
	videos := make([]lookoutapi.VideoSummary, 0, len(states))
	for _, st := range states {
		if st.Phase == playback.PhaseReady {
			videos = append(videos, videoSummary(st))
		}
	}
	c.JSON(http.StatusOK, lookoutapi.ReadyVideosResponse{Videos: videos})
}

// GetVideo returns one video's playback state.
func GetVideo(c middleware.Context) {
	st, err := deps.Manager.GetState(c.Param("id"))
	if err != nil {
		respondManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, videoSummary(st))
}

// SetPosition moves the feed cursor. Out-of-range values are clamped and
// the effective position is returned.
func SetPosition(c middleware.Context) {
	var req lookoutapi.SetIndexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Error: err.Error(), Service: serviceName})
		return
	}
	if err := deps.Manager.SetCurrentIndex(req.Index); err != nil {
		respondManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, lookoutapi.SetIndexResponse{Index: deps.Manager.CurrentIndex()})
}

// RequestLoad asks for an explicit (re)load of one video. The load runs
// asynchronously; poll the feed for the outcome.
func RequestLoad(c middleware.Context) {
	if err := deps.Manager.RequestLoad(c.Param("id")); err != nil {
		respondManagerError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, common.SuccessResponse{Success: true, Message: "load requested"})
}

// DisposeVideo permanently retires one video and frees its resources.
func DisposeVideo(c middleware.Context) {
	if err := deps.Manager.Dispose(c.Param("id")); err != nil {
		respondManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.SuccessResponse{Success: true, Message: "video disposed"})
}

// MemoryPressure sheds held controllers down to the pressure floor.
func MemoryPressure(c middleware.Context) {
	if err := deps.Manager.HandleMemoryPressure(); err != nil {
		respondManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.SuccessResponse{Success: true, Message: "pressure handled"})
}

// GetUploadStatus proxies one upload status poll to Stevedore, passing
// the caller's upload session token through unchanged.
func GetUploadStatus(c middleware.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	resp, err := deps.Uploads.GetUploadStatus(c.Request.Context(), c.Param("id"), token)
	if err != nil {
		deps.Logger.WithError(err).WithField("upload_id", c.Param("id")).Warn("Upload status proxy failed")
		c.JSON(http.StatusBadGateway, common.ErrorResponse{Error: "upload status unavailable", Service: serviceName})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetRelays reports every relay connection of the feed ingester.
func GetRelays(c middleware.Context) {
	relays := make([]lookoutapi.RelayStatus, 0, len(deps.Relays))
	for _, rc := range deps.Relays {
		stats := rc.Stats()
		relays = append(relays, lookoutapi.RelayStatus{
			URL:       stats.URL,
			Connected: stats.Connected,
			Events:    stats.Events,
			LastEvent: stats.LastEvent,
		})
	}
	c.JSON(http.StatusOK, lookoutapi.RelaysResponse{Relays: relays})
}

func respondManagerError(c middleware.Context, err error) {
	switch {
	case errors.Is(err, playback.ErrNotFound):
		c.JSON(http.StatusNotFound, common.ErrorResponse{Error: "video not found", Service: serviceName})
	case errors.Is(err, playback.ErrInvalidTransition):
		c.JSON(http.StatusConflict, common.ErrorResponse{Error: err.Error(), Service: serviceName})
	case errors.Is(err, playback.ErrManagerClosed):
		c.JSON(http.StatusServiceUnavailable, common.ErrorResponse{Error: "feed manager closed", Service: serviceName})
	default:
		deps.Logger.WithError(err).Error("Unhandled feed manager error")
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Error: "internal error", Service: serviceName})
	}
}
