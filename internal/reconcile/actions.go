package reconcile

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/f-sync/feedsync/internal/events"
	"github.com/f-sync/feedsync/internal/optimistic"
	"github.com/f-sync/feedsync/internal/store"
)

const (
	errMessageUnknownPost  = "post is not loaded"
	errMessageEmptyContent = "post content cannot be empty"
	errMessageSelfFollow   = "cannot follow yourself"
	errMessageEmptyTarget  = "target identifier cannot be empty"
)

var (
	// ErrUnknownPost reports an action on a post that is not part of the loaded state.
	ErrUnknownPost = errors.New(errMessageUnknownPost)
	// ErrEmptyContent reports an attempt to publish a blank post.
	ErrEmptyContent = errors.New(errMessageEmptyContent)
	// ErrSelfFollow reports an attempt to follow or unfollow the viewer.
	ErrSelfFollow = errors.New(errMessageSelfFollow)
	// ErrEmptyTarget reports an action without a target identifier.
	ErrEmptyTarget = errors.New(errMessageEmptyTarget)
)

// optimisticStep is prepared on the loop: it applies the local patch and returns the
// undo restoring the state observed right before it. A nil undo means nothing changed.
type optimisticStep func() (undo func(), err error)

// Like marks a post as liked by the viewer before the server confirms it.
func (engine *Engine) Like(ctx context.Context, postID string) error {
	return engine.setLiked(ctx, postID, true)
}

// Unlike removes the viewer's like before the server confirms it.
func (engine *Engine) Unlike(ctx context.Context, postID string) error {
	return engine.setLiked(ctx, postID, false)
}

func (engine *Engine) setLiked(ctx context.Context, postID string, liked bool) error {
	if strings.TrimSpace(postID) == "" {
		return ErrEmptyTarget
	}
	kind := events.KindUnlike
	call := engine.backend.Unlike
	delta := -1
	if liked {
		kind = events.KindLike
		call = engine.backend.Like
		delta = 1
	}

	return engine.runOptimistic(ctx, kind, postID, func() (func(), error) {
		before, found := engine.store.Post(postID)
		if !found {
			return nil, ErrUnknownPost
		}
		if before.LikedByViewer == liked {
			return nil, nil
		}
		version := engine.likeVersions[postID]
		engine.store.Apply(store.SetLike{PostID: postID, Liked: liked, Count: before.LikeCount + delta})
		return func() {
			restoredCount := before.LikeCount
			if engine.likeVersions[postID] != version {
				current, stillLoaded := engine.store.Post(postID)
				if !stillLoaded {
					return
				}
				restoredCount = current.LikeCount
			}
			engine.store.Apply(store.SetLike{PostID: postID, Liked: before.LikedByViewer, Count: restoredCount})
		}, nil
	}, func(callContext context.Context) error {
		return call(callContext, postID)
	})
}

// Follow adds the viewer to the user's followers before the server confirms it.
// username labels the new edge in the viewer's own following list.
func (engine *Engine) Follow(ctx context.Context, userID string, username string) error {
	return engine.setFollowing(ctx, userID, username, true)
}

// Unfollow removes the viewer from the user's followers before the server confirms it.
func (engine *Engine) Unfollow(ctx context.Context, userID string) error {
	return engine.setFollowing(ctx, userID, "", false)
}

func (engine *Engine) setFollowing(ctx context.Context, userID string, username string, following bool) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyTarget
	}
	kind := events.KindUnfollow
	call := engine.backend.Unfollow
	if following {
		kind = events.KindFollow
		call = engine.backend.Follow
	}

	return engine.runOptimistic(ctx, kind, userID, func() (func(), error) {
		viewer := engine.store.Viewer()
		if userID == viewer.UserID {
			return nil, ErrSelfFollow
		}
		changes := []edgeChange{
			{profileUserID: userID, direction: store.DirectionFollowers, edge: store.FollowEdge{UserID: viewer.UserID, Username: viewer.Username}},
			{profileUserID: viewer.UserID, direction: store.DirectionFollowing, edge: store.FollowEdge{UserID: userID, Username: username}},
		}
		if followerIndex, viewing := engine.edgeIndex(changes[0]); viewing && (followerIndex >= 0) == following {
			return nil, nil
		}

		var patches, undoPatches []store.Patch
		for _, change := range changes {
			index, viewing := engine.edgeIndex(change)
			if !viewing {
				continue
			}
			if following {
				patches = append(patches, store.AddFollowEdge{ProfileUserID: change.profileUserID, Direction: change.direction, Edge: change.edge, Index: store.AppendIndex})
				if index < 0 {
					undoPatches = append(undoPatches, store.RemoveFollowEdge{ProfileUserID: change.profileUserID, Direction: change.direction, UserID: change.edge.UserID})
				}
				continue
			}
			patches = append(patches, store.RemoveFollowEdge{ProfileUserID: change.profileUserID, Direction: change.direction, UserID: change.edge.UserID})
			if index >= 0 {
				_, edges, _ := engine.store.ProfileEdges(change.direction)
				undoPatches = append(undoPatches, store.AddFollowEdge{ProfileUserID: change.profileUserID, Direction: change.direction, Edge: edges[index], Index: index})
			}
		}
		engine.store.Apply(patches...)
		return func() { engine.store.Apply(undoPatches...) }, nil
	}, func(callContext context.Context) error {
		return call(callContext, userID)
	})
}

type edgeChange struct {
	profileUserID string
	direction     store.Direction
	edge          store.FollowEdge
}

// edgeIndex locates the change's edge in the viewed profile; viewing is false when the
// change concerns a profile that is not on screen.
func (engine *Engine) edgeIndex(change edgeChange) (int, bool) {
	profileUserID, edges, viewing := engine.store.ProfileEdges(change.direction)
	if !viewing || profileUserID != change.profileUserID {
		return -1, false
	}
	for index, edge := range edges {
		if edge.UserID == change.edge.UserID {
			return index, true
		}
	}
	return -1, true
}

// DeletePost removes a post everywhere before the server confirms it. A failed delete
// puts the post back at its previous positions.
func (engine *Engine) DeletePost(ctx context.Context, postID string) error {
	if strings.TrimSpace(postID) == "" {
		return ErrEmptyTarget
	}
	return engine.runOptimistic(ctx, events.KindDeletePost, postID, func() (func(), error) {
		post, found := engine.store.Post(postID)
		if !found {
			return func() {}, nil
		}
		feedIndex, profileIndex := engine.store.PostPositions(postID)
		engine.store.Apply(store.RemovePost{PostID: postID})
		return func() {
			engine.store.Apply(store.UpsertPost{
				Post:         post,
				Index:        restoreIndex(feedIndex),
				ProfileIndex: restoreIndex(profileIndex),
			})
		}, nil
	}, func(callContext context.Context) error {
		return engine.backend.DeletePost(callContext, postID)
	})
}

func restoreIndex(index int) int {
	if index < 0 {
		return store.SkipIndex
	}
	return index
}

// runOptimistic applies the local patch and begins tracking on the loop, performs the
// server call off the loop, and settles back on the loop so a rollback is serialized
// with every other store write.
func (engine *Engine) runOptimistic(ctx context.Context, kind events.Kind, targetID string, step optimisticStep, call func(context.Context) error) error {
	var (
		mutation optimistic.Mutation
		stepErr  error
		skipped  bool
	)
	if err := engine.do(ctx, func() {
		undo, err := step()
		if err != nil {
			stepErr = err
			return
		}
		if undo == nil {
			skipped = true
			return
		}
		mutation, _, stepErr = engine.tracker.Begin(kind, targetID, undo)
		if stepErr != nil {
			undo()
		}
	}); err != nil {
		return err
	}
	if stepErr != nil {
		return stepErr
	}
	if skipped {
		return nil
	}

	callErr := call(ctx)
	outcome := optimistic.OutcomeSuccess
	if callErr != nil {
		outcome = optimistic.OutcomeFailure
	}
	var settleErr error
	if err := engine.do(context.Background(), func() {
		_, settleErr = engine.tracker.Settle(mutation.ID, outcome)
		engine.forgetLikeVersion(kind, targetID)
	}); err != nil {
		return err
	}
	if callErr != nil {
		engine.logger.Warn(logMessageMutationFailed,
			zap.String(logFieldKind, string(kind)),
			zap.String(logFieldTarget, targetID),
			zap.String(logFieldMutation, mutation.ID),
			zap.Error(callErr),
		)
		return &MutationError{Kind: kind, TargetID: targetID, MutationID: mutation.ID, Err: callErr}
	}
	return settleErr
}

// forgetLikeVersion drops the post's like version once no mutation on it is pending.
func (engine *Engine) forgetLikeVersion(kind events.Kind, targetID string) {
	if !kind.TargetsPost() || len(engine.tracker.Pending(kind, targetID)) > 0 {
		return
	}
	delete(engine.likeVersions, targetID)
}

// CreatePost publishes a post and shows it once the server accepted it. Its stream
// echo is recognized and not counted as a new item.
func (engine *Engine) CreatePost(ctx context.Context, content string) (store.Post, error) {
	if strings.TrimSpace(content) == "" {
		return store.Post{}, ErrEmptyContent
	}
	created, err := engine.backend.CreatePost(ctx, content)
	if err != nil {
		return store.Post{}, &MutationError{Kind: events.KindNewPost, Err: err}
	}
	if created.ID == "" {
		return created, nil
	}
	viewer := engine.store.Viewer()
	if created.AuthorID == "" {
		created.AuthorID = viewer.UserID
	}
	if created.AuthorUsername == "" {
		created.AuthorUsername = viewer.Username
	}
	if created.Content == "" {
		created.Content = content
	}
	err = engine.do(context.Background(), func() {
		engine.tracker.Remember(events.KindNewPost, created.ID)
		engine.store.Apply(store.UpsertPost{Post: created, Index: 0, ProfileIndex: 0})
	})
	return created, err
}

// MarkRead marks one notification read after the server accepted it.
func (engine *Engine) MarkRead(ctx context.Context, notificationID string) error {
	if strings.TrimSpace(notificationID) == "" {
		return ErrEmptyTarget
	}
	if err := engine.backend.MarkRead(ctx, notificationID); err != nil {
		return &MutationError{TargetID: notificationID, Err: err}
	}
	return engine.do(context.Background(), func() {
		engine.store.Apply(store.SetRead{NotificationID: notificationID})
	})
}

// MarkAllRead marks every notification read after the server accepted it.
func (engine *Engine) MarkAllRead(ctx context.Context) error {
	if err := engine.backend.MarkAllRead(ctx); err != nil {
		return &MutationError{Err: err}
	}
	return engine.do(context.Background(), func() {
		engine.store.Apply(store.SetRead{All: true})
	})
}
