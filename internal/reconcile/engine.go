package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/f-sync/feedsync/internal/api"
	"github.com/f-sync/feedsync/internal/events"
	"github.com/f-sync/feedsync/internal/optimistic"
	"github.com/f-sync/feedsync/internal/store"
	"github.com/f-sync/feedsync/internal/stream"
)

const (
	defaultPageSize  = 10
	defaultInboxSize = 1024

	errMessageMissingStore   = "reconcile engine requires a store"
	errMessageMissingTracker = "reconcile engine requires a mutation tracker"
	errMessageMissingBackend = "reconcile engine requires a backend"
	errMessageStopped        = "reconcile engine stopped"
	errMessageMutationFailed = "mutation failed"

	logMessageEngineStarted  = "reconcile engine started"
	logMessageEngineStopped  = "reconcile engine stopped"
	logMessageEventApplied   = "remote event applied"
	logMessageEchoSuppressed = "remote event recognized as echo of a local mutation"
	logMessageStaleFrame     = "dropping frame from closed stream handle"
	logMessageTransitionDrop = "dropping stream transition; engine inbox unavailable"
	logMessageMutationFailed = "mutation failed and was rolled back"
	logFieldKind             = "kind"
	logFieldChannel          = "channel"
	logFieldTarget           = "target_id"
	logFieldActor            = "actor_id"
	logFieldHandle           = "handle"
	logFieldStream           = "stream"
	logFieldMutation         = "mutation_id"
)

var (
	// ErrStopped reports that the engine's work loop is no longer running.
	ErrStopped = errors.New(errMessageStopped)

	errMissingStore   = errors.New(errMessageMissingStore)
	errMissingTracker = errors.New(errMessageMissingTracker)
	errMissingBackend = errors.New(errMessageMissingBackend)
)

// Backend is the REST surface the engine drives.
type Backend interface {
	CreatePost(ctx context.Context, content string) (store.Post, error)
	DeletePost(ctx context.Context, postID string) error
	Like(ctx context.Context, postID string) error
	Unlike(ctx context.Context, postID string) error
	Follow(ctx context.Context, userID string) error
	Unfollow(ctx context.Context, userID string) error
	MarkRead(ctx context.Context, notificationID string) error
	MarkAllRead(ctx context.Context) error
	FetchFeed(ctx context.Context, channel events.Channel, page int, size int) (api.FeedPage, error)
	FetchNotifications(ctx context.Context) ([]store.Notification, error)
	FetchUserInfo(ctx context.Context, username string) (api.UserInfo, error)
	FetchUserPosts(ctx context.Context, username string) ([]store.Post, error)
	FetchFollowers(ctx context.Context, userID string) ([]store.FollowEdge, error)
	FetchFollowees(ctx context.Context, userID string) ([]store.FollowEdge, error)
}

// Recorder receives reconciliation metrics.
type Recorder interface {
	RecordApplied(eventKind string)
	RecordEcho(eventKind string)
	SetStoreGauges(pendingNewItems int, unreadNotifications int)
}

// MutationError is returned by user actions whose server call failed. The optimistic
// change has already been rolled back when it is returned.
type MutationError struct {
	Kind       events.Kind
	TargetID   string
	MutationID string
	Err        error
}

func (mutationError *MutationError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", errMessageMutationFailed, mutationError.Kind, mutationError.TargetID, mutationError.Err)
}

func (mutationError *MutationError) Unwrap() error {
	return mutationError.Err
}

// Config wires the engine's collaborators.
type Config struct {
	Store      *store.Store
	Tracker    *optimistic.Tracker
	Normalizer *events.Normalizer
	Backend    Backend
	PageSize   int
	InboxSize  int
	Logger     *zap.Logger
	Metrics    Recorder
}

// Engine serializes every store mutation through a single work loop: remote events,
// optimistic patches, rollbacks and view loads all run there one at a time.
type Engine struct {
	store      *store.Store
	tracker    *optimistic.Tracker
	normalizer *events.Normalizer
	backend    Backend
	pageSize   int
	logger     *zap.Logger
	recorder   Recorder

	inbox   chan func()
	stopped chan struct{}

	// likeVersions counts authoritative like counts seen per post while a mutation on it
	// is pending; touched only by the loop.
	likeVersions map[string]uint64
}

// NewEngine validates the configuration and constructs an Engine. Run must be started
// before any other method is used.
func NewEngine(configuration Config) (*Engine, error) {
	if configuration.Store == nil {
		return nil, errMissingStore
	}
	if configuration.Tracker == nil {
		return nil, errMissingTracker
	}
	if configuration.Backend == nil {
		return nil, errMissingBackend
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	normalizer := configuration.Normalizer
	if normalizer == nil {
		normalizer = events.NewNormalizer(events.Config{Logger: logger})
	}
	pageSize := configuration.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	inboxSize := configuration.InboxSize
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}
	return &Engine{
		store:        configuration.Store,
		tracker:      configuration.Tracker,
		normalizer:   normalizer,
		backend:      configuration.Backend,
		pageSize:     pageSize,
		logger:       logger,
		recorder:     configuration.Metrics,
		inbox:        make(chan func(), inboxSize),
		stopped:      make(chan struct{}),
		likeVersions: make(map[string]uint64),
	}, nil
}

// Run executes queued work until ctx is cancelled. It must be called exactly once.
func (engine *Engine) Run(ctx context.Context) error {
	engine.logger.Info(logMessageEngineStarted)
	defer func() {
		close(engine.stopped)
		engine.logger.Info(logMessageEngineStopped)
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case work := <-engine.inbox:
			work()
			engine.reportGauges()
		}
	}
}

// Store exposes the underlying store for readers.
func (engine *Engine) Store() *store.Store {
	return engine.store
}

// Snapshot returns a deep copy of the current state.
func (engine *Engine) Snapshot() (store.State, error) {
	return engine.store.Snapshot()
}

// HandleFrame queues a raw frame for normalization and reconciliation. Frames delivered
// under a closed handle are dropped here and again when their turn comes.
func (engine *Engine) HandleFrame(handle *stream.Handle, frame events.Frame) {
	if !handle.Active() {
		engine.logger.Debug(logMessageStaleFrame, zap.String(logFieldHandle, handle.ID()))
		return
	}
	engine.enqueue(func() {
		if !handle.Active() {
			engine.logger.Debug(logMessageStaleFrame, zap.String(logFieldHandle, handle.ID()))
			return
		}
		event, ok := engine.normalizer.Normalize(frame)
		if !ok {
			return
		}
		engine.applyRemoteEvent(event)
	})
}

// HandleTransition mirrors a connection state change into the store.
func (engine *Engine) HandleTransition(transition stream.Transition) {
	status := store.StreamStatus{
		Name:                transition.Stream,
		State:               string(transition.To),
		Stale:               transition.Stale,
		ConsecutiveFailures: transition.ConsecutiveFailures,
		UpdatedAt:           transition.At,
	}
	if transition.Err != nil {
		status.LastError = transition.Err.Error()
	}
	if !engine.enqueue(func() { engine.store.Apply(store.SetStreamStatus{Status: status}) }) {
		engine.logger.Debug(logMessageTransitionDrop, zap.String(logFieldStream, transition.Stream))
	}
}

// ApplyEvent reconciles an already normalized event; used by callers that bypass frames.
func (engine *Engine) ApplyEvent(ctx context.Context, event events.RemoteEvent) error {
	return engine.do(ctx, func() { engine.applyRemoteEvent(event) })
}

func (engine *Engine) enqueue(work func()) bool {
	select {
	case <-engine.stopped:
		return false
	default:
	}
	select {
	case engine.inbox <- work:
		return true
	case <-engine.stopped:
		return false
	}
}

// do runs work on the loop and waits for it. Once queued the work always completes,
// so ctx only bounds the wait for a free inbox slot.
func (engine *Engine) do(ctx context.Context, work func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		work()
	}
	select {
	case <-engine.stopped:
		return ErrStopped
	default:
	}
	select {
	case engine.inbox <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-engine.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-engine.stopped:
		return ErrStopped
	}
}

func (engine *Engine) reportGauges() {
	if engine.recorder == nil {
		return
	}
	engine.recorder.SetStoreGauges(engine.store.PendingCount(), engine.store.UnreadCount())
}

func (engine *Engine) applyRemoteEvent(event events.RemoteEvent) {
	viewer := engine.store.Viewer()
	actorMayBeViewer := event.ActorID == "" || event.ActorID == viewer.UserID
	if actorMayBeViewer && engine.tracker.MatchEcho(event.Kind, event.TargetID) {
		engine.logger.Debug(logMessageEchoSuppressed,
			zap.String(logFieldKind, string(event.Kind)),
			zap.String(logFieldTarget, event.TargetID),
		)
		if engine.recorder != nil {
			engine.recorder.RecordEcho(string(event.Kind))
		}
		return
	}

	var patches []store.Patch
	if event.Channel == events.ChannelNotifications && event.Kind != events.KindDeletePost {
		patches = append(patches, store.UpsertNotification{Notification: notificationFromEvent(event)})
	}

	switch event.Kind {
	case events.KindNewPost:
		if event.Channel.IsFeed() {
			feed := engine.store.Feed()
			if feed.Loaded && feed.Channel == event.Channel {
				patches = append(patches, store.AddPendingPost{PostID: event.TargetID})
			}
		}
	case events.KindDeletePost:
		patches = append(patches, store.RemovePost{PostID: event.TargetID})
	case events.KindLike, events.KindUnlike:
		if patch, ok := engine.likePatch(event, viewer); ok {
			patches = append(patches, patch)
		}
	case events.KindFollow, events.KindUnfollow:
		patches = append(patches, followPatches(event, viewer)...)
	}

	engine.store.Apply(patches...)
	engine.logger.Debug(logMessageEventApplied,
		zap.String(logFieldKind, string(event.Kind)),
		zap.String(logFieldChannel, string(event.Channel)),
		zap.String(logFieldTarget, event.TargetID),
		zap.String(logFieldActor, event.ActorID),
	)
	if engine.recorder != nil {
		engine.recorder.RecordApplied(string(event.Kind))
	}
}

// likePatch applies the carried count as authoritative. The viewer's flag only follows
// events the viewer performed.
func (engine *Engine) likePatch(event events.RemoteEvent, viewer store.Viewer) (store.Patch, bool) {
	if !event.Payload.HasLikeCount {
		return nil, false
	}
	if len(engine.tracker.Pending(event.Kind, event.TargetID)) > 0 {
		engine.likeVersions[event.TargetID]++
	}
	post, found := engine.store.Post(event.TargetID)
	if !found {
		return nil, false
	}
	liked := post.LikedByViewer
	if event.ActorID != "" && event.ActorID == viewer.UserID {
		liked = event.Kind == events.KindLike
	}
	return store.SetLike{PostID: event.TargetID, Liked: liked, Count: event.Payload.LikeCount}, true
}

// followPatches updates the viewed profile: the target gains or loses the actor as a
// follower and the actor gains or loses the target as a followee.
func followPatches(event events.RemoteEvent, viewer store.Viewer) []store.Patch {
	if event.ActorID == "" {
		return nil
	}
	targetID := event.TargetID
	if targetID == "" {
		targetID = viewer.UserID
	}
	if targetID == "" || targetID == event.ActorID {
		return nil
	}
	var targetUsername string
	if targetID == viewer.UserID {
		targetUsername = viewer.Username
	}

	if event.Kind == events.KindFollow {
		return []store.Patch{
			store.AddFollowEdge{
				ProfileUserID: targetID,
				Direction:     store.DirectionFollowers,
				Edge:          store.FollowEdge{UserID: event.ActorID, Username: event.ActorUsername},
			},
			store.AddFollowEdge{
				ProfileUserID: event.ActorID,
				Direction:     store.DirectionFollowing,
				Edge:          store.FollowEdge{UserID: targetID, Username: targetUsername},
			},
		}
	}
	return []store.Patch{
		store.RemoveFollowEdge{ProfileUserID: targetID, Direction: store.DirectionFollowers, UserID: event.ActorID},
		store.RemoveFollowEdge{ProfileUserID: event.ActorID, Direction: store.DirectionFollowing, UserID: targetID},
	}
}

func notificationFromEvent(event events.RemoteEvent) store.Notification {
	relatedPostID := ""
	if event.Kind.TargetsPost() {
		relatedPostID = event.TargetID
	}
	return store.Notification{
		ID:            event.NotificationID(),
		Kind:          event.Kind,
		ActorID:       event.ActorID,
		ActorUsername: event.ActorUsername,
		RelatedPostID: relatedPostID,
		CreatedAt:     event.ServerTimestamp,
		IsRead:        event.Payload.IsRead,
	}
}
