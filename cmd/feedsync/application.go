package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/f-sync/feedsync/internal/api"
	"github.com/f-sync/feedsync/internal/credential"
	"github.com/f-sync/feedsync/internal/events"
	"github.com/f-sync/feedsync/internal/metrics"
	"github.com/f-sync/feedsync/internal/optimistic"
	"github.com/f-sync/feedsync/internal/reconcile"
	"github.com/f-sync/feedsync/internal/server"
	"github.com/f-sync/feedsync/internal/store"
	"github.com/f-sync/feedsync/internal/stream"
)

const (
	transportSSE                = "sse"
	transportWebSocket          = "websocket"
	publicFeedStreamPath        = "/feed/subscribe/public"
	followingFeedStreamPath     = "/feed/subscribe/following"
	notificationsStreamPath     = "/notifications/subscribe"
	shutdownTimeout             = 5 * time.Second
	errMessageMissingBaseURL    = "base URL is required"
	errMessageUnknownTransport  = "unknown stream transport"
	errMessageUnknownViewer     = "viewer cannot be derived from the credential"
	errMessageBuildClient       = "create REST client"
	errMessageBuildEngine       = "create reconcile engine"
	errMessageBuildManager      = "create stream manager"
	errMessageBuildRouter       = "create control router"
	errMessageListen            = "listen"
	errMessageServe             = "serve control API"
	logMessageViewerUnresolved  = "viewer identity unresolved"
	logMessageViewerResolved    = "viewer identity resolved"
	logMessageBootstrapFailed   = "initial state load failed"
	logMessageStreamNotOpened   = "stream not opened"
	logMessageCredentialRotated = "credential rotated; resuming streams"
	logMessageControlListening  = "control API listening"
	logMessageShuttingDown      = "shutting down"
	logFieldAddress             = "address"
	logFieldStream              = "stream"
	logFieldUserID              = "user_id"
	logFieldUsername            = "username"
)

// Configuration holds the resolved command settings.
type Configuration struct {
	BaseURL        string
	Token          string
	TokenFile      string
	Viewer         string
	ListenAddress  string
	Transport      string
	PageSize       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
	StaleAfter     int
	EchoGrace      time.Duration
}

// Dependencies are the collaborators Run would otherwise build itself.
type Dependencies struct {
	Logger      *zap.Logger
	HTTPClient  *http.Client
	TokenSource credential.Source
	Dialer      stream.Dialer
	Listener    net.Listener
	// Rotations signals that the credential changed outside the process.
	Rotations <-chan struct{}
}

// Application runs the sync core behind the control API.
type Application struct {
	dependencies Dependencies
}

type subscription struct {
	name    string
	channel events.Channel
	path    string
}

var subscriptions = []subscription{
	{name: string(events.ChannelPublicFeed), channel: events.ChannelPublicFeed, path: publicFeedStreamPath},
	{name: string(events.ChannelFollowingFeed), channel: events.ChannelFollowingFeed, path: followingFeedStreamPath},
	{name: string(events.ChannelNotifications), channel: events.ChannelNotifications, path: notificationsStreamPath},
}

// NewApplication fills missing dependencies with defaults.
func NewApplication(dependencies Dependencies) Application {
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	return Application{dependencies: dependencies}
}

// Run wires every component, loads the initial state, opens the subscriptions and
// serves the control API until ctx is cancelled.
func (application Application) Run(ctx context.Context, configuration Configuration) error {
	logger := application.dependencies.Logger
	baseURL := strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/")
	if baseURL == "" {
		return errors.New(errMessageMissingBaseURL)
	}
	dialer, err := application.dialer(configuration.Transport)
	if err != nil {
		return err
	}

	registry := metrics.New()
	provider := credential.NewProvider(credential.Config{
		Source: application.tokenSource(configuration),
		Logger: logger,
	})
	client, err := api.NewClient(api.Config{
		BaseURL:     baseURL,
		HTTPClient:  application.dependencies.HTTPClient,
		Credentials: provider,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageBuildClient, err)
	}
	engine, err := reconcile.NewEngine(reconcile.Config{
		Store:      store.New(store.Config{Logger: logger}),
		Tracker:    optimistic.NewTracker(optimistic.Config{GracePeriod: configuration.EchoGrace, Logger: logger, Recorder: registry}),
		Normalizer: events.NewNormalizer(events.Config{Logger: logger, Recorder: registry}),
		Backend:    client,
		PageSize:   configuration.PageSize,
		Logger:     logger,
		Metrics:    registry,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageBuildEngine, err)
	}

	managers := make([]*stream.Manager, 0, len(subscriptions))
	for _, definition := range subscriptions {
		manager, managerErr := stream.NewManager(stream.Config{
			Name:           definition.name,
			Channel:        definition.channel,
			URL:            baseURL + definition.path,
			Dialer:         dialer,
			Credentials:    provider,
			InitialBackoff: configuration.InitialBackoff,
			MaxBackoff:     configuration.MaxBackoff,
			Jitter:         configuration.Jitter,
			StaleAfter:     configuration.StaleAfter,
			OnFrame:        engine.HandleFrame,
			OnTransition:   engine.HandleTransition,
			Logger:         logger,
			Metrics:        registry,
		})
		if managerErr != nil {
			return fmt.Errorf("%s: %w", errMessageBuildManager, managerErr)
		}
		managers = append(managers, manager)
	}

	routedSubscriptions := make([]server.Subscription, 0, len(managers))
	for _, manager := range managers {
		routedSubscriptions = append(routedSubscriptions, manager)
	}
	router, err := server.NewRouter(server.RouterConfig{
		Controller:     engine,
		Subscriptions:  routedSubscriptions,
		MetricsHandler: registry.Handler(),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageBuildRouter, err)
	}
	listener := application.dependencies.Listener
	if listener == nil {
		listener, err = net.Listen("tcp", configuration.ListenAddress)
		if err != nil {
			return fmt.Errorf("%s: %w", errMessageListen, err)
		}
	}
	httpServer := &http.Server{Handler: router}

	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		if runErr := engine.Run(groupContext); runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return nil
	})

	application.identifyViewer(groupContext, configuration, provider, client, engine)
	if bootstrapErr := engine.Bootstrap(groupContext); bootstrapErr != nil {
		logger.Warn(logMessageBootstrapFailed, zap.Error(bootstrapErr))
	}
	for _, manager := range managers {
		openStream(groupContext, logger, manager)
	}
	defer func() {
		for _, manager := range managers {
			manager.Close(manager.Current())
		}
	}()

	group.Go(func() error {
		logger.Info(logMessageControlListening, zap.String(logFieldAddress, listener.Addr().String()))
		if serveErr := httpServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("%s: %w", errMessageServe, serveErr)
		}
		return nil
	})
	group.Go(func() error {
		<-groupContext.Done()
		logger.Info(logMessageShuttingDown)
		shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownContext)
	})
	group.Go(func() error {
		for {
			select {
			case <-groupContext.Done():
				return nil
			case _, ok := <-application.dependencies.Rotations:
				if !ok {
					return nil
				}
				logger.Info(logMessageCredentialRotated)
				provider.Invalidate()
				application.identifyViewer(groupContext, configuration, provider, client, engine)
				for _, manager := range managers {
					if manager.Current() == nil {
						openStream(groupContext, logger, manager)
						continue
					}
					manager.Resume()
				}
			}
		}
	})

	return group.Wait()
}

func openStream(ctx context.Context, logger *zap.Logger, manager *stream.Manager) {
	if _, err := manager.Open(ctx); err != nil {
		logger.Warn(logMessageStreamNotOpened, zap.String(logFieldStream, manager.Name()), zap.Error(err))
	}
}

// identifyViewer resolves the signed-in user from the configured name or the JWT subject.
func (application Application) identifyViewer(ctx context.Context, configuration Configuration, provider *credential.Provider, client *api.Client, engine *reconcile.Engine) {
	logger := application.dependencies.Logger
	viewer, err := resolveViewer(ctx, configuration.Viewer, provider, client)
	if err != nil {
		logger.Warn(logMessageViewerUnresolved, zap.Error(err))
		if viewer.Username == "" {
			return
		}
	}
	if setErr := engine.SetViewer(ctx, viewer); setErr != nil {
		logger.Warn(logMessageViewerUnresolved, zap.Error(setErr))
		return
	}
	logger.Info(logMessageViewerResolved, zap.String(logFieldUserID, viewer.UserID), zap.String(logFieldUsername, viewer.Username))
}

func resolveViewer(ctx context.Context, username string, provider *credential.Provider, client *api.Client) (store.Viewer, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		token, err := provider.Token(ctx)
		if err != nil {
			return store.Viewer{}, err
		}
		subject, ok := credential.Subject(token)
		if !ok {
			return store.Viewer{}, errors.New(errMessageUnknownViewer)
		}
		username = subject
	}
	info, err := client.FetchUserInfo(ctx, username)
	if err != nil {
		return store.Viewer{Username: username}, err
	}
	return store.Viewer{UserID: info.UserID, Username: info.Username}, nil
}

func (application Application) tokenSource(configuration Configuration) credential.Source {
	if application.dependencies.TokenSource != nil {
		return application.dependencies.TokenSource
	}
	if strings.TrimSpace(configuration.TokenFile) != "" {
		return credential.FileSource{Path: configuration.TokenFile}
	}
	return credential.StaticSource(configuration.Token)
}

func (application Application) dialer(transport string) (stream.Dialer, error) {
	if application.dependencies.Dialer != nil {
		return application.dependencies.Dialer, nil
	}
	switch strings.ToLower(strings.TrimSpace(transport)) {
	case "", transportSSE:
		return stream.NewSSEDialer(nil), nil
	case transportWebSocket:
		return stream.NewWebSocketDialer(), nil
	default:
		return nil, fmt.Errorf("%s: %q", errMessageUnknownTransport, transport)
	}
}
