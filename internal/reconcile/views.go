package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/f-sync/feedsync/internal/events"
	"github.com/f-sync/feedsync/internal/store"
)

const (
	errMessageNoFeed          = "no feed is loaded"
	errMessageNotFeedChannel  = "channel is not a feed"
	errMessageEmptyUsername   = "username cannot be empty"
	errMessageLoadFeed        = "load feed"
	errMessageLoadMore        = "load next feed page"
	errMessageLoadInbox       = "load notifications"
	errMessageLoadProfile     = "load profile"
	errMessageBootstrap       = "bootstrap"
	logMessageFeedLoaded      = "feed page loaded"
	logMessageProfileLoaded   = "profile loaded"
	logMessageInboxLoaded     = "notifications loaded"
	logFieldPage              = "page"
	logFieldPosts             = "posts"
	logFieldUsername          = "username"
	logFieldNotificationCount = "notifications"
	profileFetchLimit         = 3
)

var (
	// ErrNoFeed reports a paging request while no feed list is loaded.
	ErrNoFeed = errors.New(errMessageNoFeed)
	// ErrNotFeedChannel reports a feed request for the notification channel.
	ErrNotFeedChannel = errors.New(errMessageNotFeedChannel)
	// ErrEmptyUsername reports a profile request without a username.
	ErrEmptyUsername = errors.New(errMessageEmptyUsername)
)

// ShowFeed loads the first page of a feed, replacing the current list and dropping
// the new items counted against the previous one.
func (engine *Engine) ShowFeed(ctx context.Context, channel events.Channel) error {
	if !channel.IsFeed() {
		return fmt.Errorf("%w: %s", ErrNotFeedChannel, channel)
	}
	page, err := engine.backend.FetchFeed(ctx, channel, 0, engine.pageSize)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLoadFeed, err)
	}
	engine.logger.Debug(logMessageFeedLoaded,
		zap.String(logFieldChannel, string(channel)),
		zap.Int(logFieldPage, 0),
		zap.Int(logFieldPosts, len(page.Posts)),
	)
	return engine.do(ctx, func() {
		engine.store.Apply(store.ReplacePosts{Channel: channel, Posts: page.Posts, Page: 0, TotalPages: page.TotalPages})
	})
}

// Refresh reloads the current feed from its first page, which also surfaces the
// pending new items. The public feed is loaded when nothing is shown yet.
func (engine *Engine) Refresh(ctx context.Context) error {
	feed := engine.store.Feed()
	channel := feed.Channel
	if !feed.Loaded || !channel.IsFeed() {
		channel = events.ChannelPublicFeed
	}
	return engine.ShowFeed(ctx, channel)
}

// LoadMore appends the next page of the current feed. It does nothing on the last page.
func (engine *Engine) LoadMore(ctx context.Context) error {
	feed := engine.store.Feed()
	if !feed.Loaded {
		return ErrNoFeed
	}
	if !feed.HasMore() {
		return nil
	}
	nextPage := feed.Page + 1
	page, err := engine.backend.FetchFeed(ctx, feed.Channel, nextPage, engine.pageSize)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLoadMore, err)
	}
	engine.logger.Debug(logMessageFeedLoaded,
		zap.String(logFieldChannel, string(feed.Channel)),
		zap.Int(logFieldPage, nextPage),
		zap.Int(logFieldPosts, len(page.Posts)),
	)
	return engine.do(ctx, func() {
		// a feed switch while the page was in flight makes it irrelevant
		if current := engine.store.Feed(); !current.Loaded || current.Channel != feed.Channel {
			return
		}
		engine.store.Apply(store.AppendPosts{Posts: page.Posts, Page: nextPage, TotalPages: page.TotalPages})
	})
}

// LoadNotifications replaces the notification list with the server's.
func (engine *Engine) LoadNotifications(ctx context.Context) error {
	notifications, err := engine.backend.FetchNotifications(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLoadInbox, err)
	}
	engine.logger.Debug(logMessageInboxLoaded, zap.Int(logFieldNotificationCount, len(notifications)))
	return engine.do(ctx, func() {
		engine.store.Apply(store.ReplaceNotifications{Notifications: notifications})
	})
}

// ViewProfile loads a user's profile with their posts and both sides of their follow
// graph, and makes it the viewed profile.
func (engine *Engine) ViewProfile(ctx context.Context, username string) (store.Profile, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return store.Profile{}, ErrEmptyUsername
	}
	info, err := engine.backend.FetchUserInfo(ctx, username)
	if err != nil {
		return store.Profile{}, fmt.Errorf("%s: %w", errMessageLoadProfile, err)
	}

	profile := store.Profile{UserID: info.UserID, Username: info.Username, ViewerFollows: info.ViewerFollows}
	if profile.Username == "" {
		profile.Username = username
	}
	group, groupContext := errgroup.WithContext(ctx)
	group.SetLimit(profileFetchLimit)
	group.Go(func() error {
		posts, fetchErr := engine.backend.FetchUserPosts(groupContext, profile.Username)
		profile.Posts = posts
		return fetchErr
	})
	group.Go(func() error {
		followers, fetchErr := engine.backend.FetchFollowers(groupContext, profile.UserID)
		profile.Followers = followers
		return fetchErr
	})
	group.Go(func() error {
		following, fetchErr := engine.backend.FetchFollowees(groupContext, profile.UserID)
		profile.Following = following
		return fetchErr
	})
	if err := group.Wait(); err != nil {
		return store.Profile{}, fmt.Errorf("%s: %w", errMessageLoadProfile, err)
	}
	if profile.Followers == nil {
		profile.Followers = []store.FollowEdge{}
	}
	if profile.Following == nil {
		profile.Following = []store.FollowEdge{}
	}

	var viewed store.Profile
	err = engine.do(ctx, func() {
		engine.store.Apply(store.ReplaceProfile{Profile: &profile})
		if state, snapshotErr := engine.store.Snapshot(); snapshotErr == nil && state.Profile != nil {
			viewed = *state.Profile
		}
	})
	if err != nil {
		return store.Profile{}, err
	}
	engine.logger.Debug(logMessageProfileLoaded,
		zap.String(logFieldUsername, viewed.Username),
		zap.Int(logFieldPosts, len(viewed.Posts)),
	)
	return viewed, nil
}

// CloseProfile clears the viewed profile.
func (engine *Engine) CloseProfile(ctx context.Context) error {
	return engine.do(ctx, func() {
		engine.store.Apply(store.ReplaceProfile{})
	})
}

// Bootstrap loads the public feed and the notification list concurrently.
func (engine *Engine) Bootstrap(ctx context.Context) error {
	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		return engine.ShowFeed(groupContext, events.ChannelPublicFeed)
	})
	group.Go(func() error {
		return engine.LoadNotifications(groupContext)
	})
	if err := group.Wait(); err != nil {
		return fmt.Errorf("%s: %w", errMessageBootstrap, err)
	}
	return nil
}

// SetViewer records the signed-in user used for echo detection and follow edges.
func (engine *Engine) SetViewer(ctx context.Context, viewer store.Viewer) error {
	return engine.do(ctx, func() {
		engine.store.Apply(store.SetViewer{Viewer: viewer})
	})
}
