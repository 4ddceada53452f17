package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/f-sync/feedsync/internal/api"
	"github.com/f-sync/feedsync/internal/events"
	"github.com/f-sync/feedsync/internal/reconcile"
	"github.com/f-sync/feedsync/internal/store"
)

const (
	healthRoutePath          = "/healthz"
	metricsRoutePath         = "/metrics"
	stateRoutePath           = "/v1/state"
	streamsRoutePath         = "/v1/streams"
	streamsReconnectPath     = "/v1/streams/reconnect"
	feedRefreshRoutePath     = "/v1/feed/refresh"
	feedMoreRoutePath        = "/v1/feed/more"
	feedSelectRoutePath      = "/v1/feed/:feed"
	profileRoutePath         = "/v1/profiles/:username"
	relationshipsRoutePath   = "/v1/profile/relationships"
	postsRoutePath           = "/v1/posts"
	postRoutePath            = "/v1/posts/:id"
	postLikeRoutePath        = "/v1/posts/:id/like"
	userFollowRoutePath      = "/v1/users/:id/follow"
	notificationReadPath     = "/v1/notifications/:id/read"
	notificationsReadAllPath = "/v1/notifications/read-all"
	pathParameterFeed        = "feed"
	pathParameterUsername    = "username"
	pathParameterID          = "id"
	queryParameterUsername   = "username"
	feedNamePublic           = "public"
	feedNameFollowing        = "following"
	healthStatusKey          = "status"
	healthStatusOK           = "ok"
	errorKey                 = "error"
	errorMessageUnknownFeed  = "unknown feed"
	errorMessageNoProfile    = "no profile is being viewed"
	errorMessageInvalidBody  = "invalid request body"
	errorMessageInternal     = "internal error"
	errMessageMissingControl = "router requires a controller"
	logMessageRequestFailed  = "control request failed"
	logFieldRoute            = "route"
	logFieldStatus           = "status"
	ginModeRelease           = "release"
)

var errMissingController = errors.New(errMessageMissingControl)

// Controller is the reconciliation surface exposed over HTTP.
type Controller interface {
	Snapshot() (store.State, error)
	Refresh(ctx context.Context) error
	LoadMore(ctx context.Context) error
	ShowFeed(ctx context.Context, channel events.Channel) error
	ViewProfile(ctx context.Context, username string) (store.Profile, error)
	Like(ctx context.Context, postID string) error
	Unlike(ctx context.Context, postID string) error
	CreatePost(ctx context.Context, content string) (store.Post, error)
	DeletePost(ctx context.Context, postID string) error
	Follow(ctx context.Context, userID string, username string) error
	Unfollow(ctx context.Context, userID string) error
	MarkRead(ctx context.Context, notificationID string) error
	MarkAllRead(ctx context.Context) error
}

// Subscription is a stream the control API can force to reconnect.
type Subscription interface {
	Name() string
	Reconnect()
}

// RouterConfig configures the control API.
type RouterConfig struct {
	Controller     Controller
	Subscriptions  []Subscription
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

type createPostRequest struct {
	Content string `json:"content" binding:"required"`
}

// NewRouter constructs a Gin engine serving the control API and the health check.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	if configuration.Controller == nil {
		return nil, errMissingController
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := controlHandler{
		controller:    configuration.Controller,
		subscriptions: configuration.Subscriptions,
		logger:        logger,
	}

	engine.GET(healthRoutePath, handler.healthStatus)
	if configuration.MetricsHandler != nil {
		engine.GET(metricsRoutePath, gin.WrapH(configuration.MetricsHandler))
	}

	engine.GET(stateRoutePath, handler.state)
	engine.GET(streamsRoutePath, handler.streams)
	engine.POST(streamsReconnectPath, handler.reconnectStreams)
	engine.POST(feedRefreshRoutePath, handler.refreshFeed)
	engine.POST(feedMoreRoutePath, handler.loadMore)
	engine.PUT(feedSelectRoutePath, handler.selectFeed)
	engine.GET(profileRoutePath, handler.viewProfile)
	engine.GET(relationshipsRoutePath, handler.relationships)
	engine.POST(postsRoutePath, handler.createPost)
	engine.DELETE(postRoutePath, handler.deletePost)
	engine.POST(postLikeRoutePath, handler.like)
	engine.DELETE(postLikeRoutePath, handler.unlike)
	engine.POST(userFollowRoutePath, handler.follow)
	engine.DELETE(userFollowRoutePath, handler.unfollow)
	engine.POST(notificationReadPath, handler.markRead)
	engine.POST(notificationsReadAllPath, handler.markAllRead)

	return engine, nil
}

type controlHandler struct {
	controller    Controller
	subscriptions []Subscription
	logger        *zap.Logger
}

func (handler controlHandler) healthStatus(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, map[string]string{healthStatusKey: healthStatusOK})
}

func (handler controlHandler) state(ginContext *gin.Context) {
	snapshot, err := handler.controller.Snapshot()
	if err != nil {
		handler.fail(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, snapshot)
}

func (handler controlHandler) streams(ginContext *gin.Context) {
	snapshot, err := handler.controller.Snapshot()
	if err != nil {
		handler.fail(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, snapshot.Streams)
}

func (handler controlHandler) reconnectStreams(ginContext *gin.Context) {
	names := make([]string, 0, len(handler.subscriptions))
	for _, subscription := range handler.subscriptions {
		subscription.Reconnect()
		names = append(names, subscription.Name())
	}
	ginContext.JSON(http.StatusAccepted, names)
}

func (handler controlHandler) refreshFeed(ginContext *gin.Context) {
	handler.respondWithFeed(ginContext, handler.controller.Refresh(ginContext.Request.Context()))
}

func (handler controlHandler) loadMore(ginContext *gin.Context) {
	handler.respondWithFeed(ginContext, handler.controller.LoadMore(ginContext.Request.Context()))
}

func (handler controlHandler) selectFeed(ginContext *gin.Context) {
	channel, known := feedChannel(ginContext.Param(pathParameterFeed))
	if !known {
		ginContext.JSON(http.StatusNotFound, gin.H{errorKey: errorMessageUnknownFeed})
		return
	}
	handler.respondWithFeed(ginContext, handler.controller.ShowFeed(ginContext.Request.Context(), channel))
}

func (handler controlHandler) respondWithFeed(ginContext *gin.Context, err error) {
	if err != nil {
		handler.fail(ginContext, err)
		return
	}
	snapshot, err := handler.controller.Snapshot()
	if err != nil {
		handler.fail(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, snapshot.Feed)
}

func (handler controlHandler) viewProfile(ginContext *gin.Context) {
	profile, err := handler.controller.ViewProfile(ginContext.Request.Context(), ginContext.Param(pathParameterUsername))
	if err != nil {
		handler.fail(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, profile)
}

// relationships splits the viewed profile's follow graph into mutual and one-sided edges.
func (handler controlHandler) relationships(ginContext *gin.Context) {
	snapshot, err := handler.controller.Snapshot()
	if err != nil {
		handler.fail(ginContext, err)
		return
	}
	if snapshot.Profile == nil {
		ginContext.JSON(http.StatusNotFound, gin.H{errorKey: errorMessageNoProfile})
		return
	}
	ginContext.JSON(http.StatusOK, snapshot.Profile.Relationships())
}

func (handler controlHandler) createPost(ginContext *gin.Context) {
	var request createPostRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{errorKey: errorMessageInvalidBody})
		return
	}
	post, err := handler.controller.CreatePost(ginContext.Request.Context(), request.Content)
	if err != nil {
		handler.fail(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusCreated, post)
}

func (handler controlHandler) deletePost(ginContext *gin.Context) {
	handler.respondEmpty(ginContext, handler.controller.DeletePost(ginContext.Request.Context(), ginContext.Param(pathParameterID)))
}

func (handler controlHandler) like(ginContext *gin.Context) {
	handler.respondEmpty(ginContext, handler.controller.Like(ginContext.Request.Context(), ginContext.Param(pathParameterID)))
}

func (handler controlHandler) unlike(ginContext *gin.Context) {
	handler.respondEmpty(ginContext, handler.controller.Unlike(ginContext.Request.Context(), ginContext.Param(pathParameterID)))
}

func (handler controlHandler) follow(ginContext *gin.Context) {
	err := handler.controller.Follow(ginContext.Request.Context(), ginContext.Param(pathParameterID), ginContext.Query(queryParameterUsername))
	handler.respondEmpty(ginContext, err)
}

func (handler controlHandler) unfollow(ginContext *gin.Context) {
	handler.respondEmpty(ginContext, handler.controller.Unfollow(ginContext.Request.Context(), ginContext.Param(pathParameterID)))
}

func (handler controlHandler) markRead(ginContext *gin.Context) {
	handler.respondEmpty(ginContext, handler.controller.MarkRead(ginContext.Request.Context(), ginContext.Param(pathParameterID)))
}

func (handler controlHandler) markAllRead(ginContext *gin.Context) {
	handler.respondEmpty(ginContext, handler.controller.MarkAllRead(ginContext.Request.Context()))
}

func (handler controlHandler) respondEmpty(ginContext *gin.Context, err error) {
	if err != nil {
		handler.fail(ginContext, err)
		return
	}
	ginContext.Status(http.StatusNoContent)
}

func (handler controlHandler) fail(ginContext *gin.Context, err error) {
	status := statusForError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = errorMessageInternal
	}
	handler.logger.Warn(logMessageRequestFailed,
		zap.String(logFieldRoute, ginContext.FullPath()),
		zap.Int(logFieldStatus, status),
		zap.Error(err),
	)
	ginContext.JSON(status, gin.H{errorKey: message})
}

func statusForError(err error) int {
	var mutationError *reconcile.MutationError
	var requestError *api.RequestError
	switch {
	case errors.Is(err, api.ErrNoSession), errors.Is(err, api.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &mutationError):
		return http.StatusBadGateway
	case errors.Is(err, reconcile.ErrUnknownPost):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrNoFeed):
		return http.StatusConflict
	case errors.Is(err, reconcile.ErrEmptyContent),
		errors.Is(err, reconcile.ErrEmptyTarget),
		errors.Is(err, reconcile.ErrEmptyUsername),
		errors.Is(err, reconcile.ErrSelfFollow),
		errors.Is(err, reconcile.ErrNotFeedChannel):
		return http.StatusBadRequest
	case errors.Is(err, reconcile.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.As(err, &requestError):
		if requestError.StatusCode == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func feedChannel(name string) (events.Channel, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case feedNamePublic:
		return events.ChannelPublicFeed, true
	case feedNameFollowing:
		return events.ChannelFollowingFeed, true
	default:
		return "", false
	}
}
