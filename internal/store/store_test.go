package store_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/f-sync/feedsync/internal/events"
	"github.com/f-sync/feedsync/internal/store"
)

const (
	testViewerID       = "u-viewer"
	testViewerUsername = "viewer"
	testProfileID      = "u-profile"
	testProfileName    = "profile"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newLoadedStore(t *testing.T) *store.Store {
	t.Helper()
	stateStore := store.New(store.Config{Viewer: store.Viewer{UserID: testViewerID, Username: testViewerUsername}})
	stateStore.Apply(
		store.ReplacePosts{
			Channel:    events.ChannelPublicFeed,
			Posts:      []store.Post{{ID: "p-1", AuthorUsername: testProfileName, LikeCount: 4}, {ID: "p-2", AuthorUsername: "other", LikeCount: 1}},
			TotalPages: 3,
		},
		store.ReplaceNotifications{Notifications: []store.Notification{
			{ID: "n-1", Kind: events.KindLike, CreatedAt: baseTime, IsRead: false},
			{ID: "n-2", Kind: events.KindFollow, CreatedAt: baseTime.Add(-time.Minute), IsRead: true},
		}},
		store.ReplaceProfile{Profile: &store.Profile{
			UserID:    testProfileID,
			Username:  testProfileName,
			Followers: []store.FollowEdge{{UserID: "u-a", Username: "a"}},
			Following: []store.FollowEdge{{UserID: "u-b", Username: "b"}},
			Posts:     []store.Post{{ID: "p-1", AuthorUsername: testProfileName, LikeCount: 4}},
		}},
	)
	return stateStore
}

func snapshotOf(t *testing.T, stateStore *store.Store) store.State {
	t.Helper()
	snapshot, err := stateStore.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snapshot
}

func TestPatchesAreIdempotent(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		patch store.Patch
	}{
		{name: "upsert new post", patch: store.UpsertPost{Post: store.Post{ID: "p-9", AuthorUsername: testProfileName, CreatedAt: baseTime}}},
		{name: "upsert existing post", patch: store.UpsertPost{Post: store.Post{ID: "p-2", AuthorUsername: "other", Content: "edited"}}},
		{name: "remove post", patch: store.RemovePost{PostID: "p-1"}},
		{name: "set like", patch: store.SetLike{PostID: "p-1", Liked: true, Count: 5}},
		{name: "upsert notification", patch: store.UpsertNotification{Notification: store.Notification{ID: "n-3", Kind: events.KindNewPost, CreatedAt: baseTime}}},
		{name: "mark one read", patch: store.SetRead{NotificationID: "n-1"}},
		{name: "mark all read", patch: store.SetRead{All: true}},
		{name: "add follower", patch: store.AddFollowEdge{ProfileUserID: testProfileID, Direction: store.DirectionFollowers, Edge: store.FollowEdge{UserID: testViewerID, Username: testViewerUsername}}},
		{name: "remove following", patch: store.RemoveFollowEdge{ProfileUserID: testProfileID, Direction: store.DirectionFollowing, UserID: "u-b"}},
		{name: "pending post", patch: store.AddPendingPost{PostID: "p-new"}},
		{name: "append page", patch: store.AppendPosts{Posts: []store.Post{{ID: "p-3"}, {ID: "p-1"}}, Page: 1, TotalPages: 3}},
		{name: "replace notifications", patch: store.ReplaceNotifications{Notifications: []store.Notification{{ID: "n-7", CreatedAt: baseTime}, {ID: "n-8", CreatedAt: baseTime}}}},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			stateStore := newLoadedStore(t)
			stateStore.Apply(testCase.patch)
			once := snapshotOf(t, stateStore)
			stateStore.Apply(testCase.patch)
			twice := snapshotOf(t, stateStore)

			if diff := cmp.Diff(once, twice); diff != "" {
				t.Fatalf("second application changed state (-once +twice):\n%s", diff)
			}
		})
	}
}

func TestUnreadCountTracksNotifications(t *testing.T) {
	t.Parallel()

	stateStore := newLoadedStore(t)
	steps := []struct {
		patch          store.Patch
		expectedUnread int
	}{
		{patch: store.UpsertNotification{Notification: store.Notification{ID: "n-3", CreatedAt: baseTime.Add(time.Minute)}}, expectedUnread: 2},
		{patch: store.UpsertNotification{Notification: store.Notification{ID: "n-3", CreatedAt: baseTime.Add(time.Minute)}}, expectedUnread: 2},
		{patch: store.SetRead{NotificationID: "n-1"}, expectedUnread: 1},
		{patch: store.UpsertNotification{Notification: store.Notification{ID: "n-1", CreatedAt: baseTime}}, expectedUnread: 1},
		{patch: store.SetRead{All: true}, expectedUnread: 0},
		{patch: store.SetRead{NotificationID: "n-2", Unread: true}, expectedUnread: 1},
	}

	for stepIndex, step := range steps {
		stateStore.Apply(step.patch)
		snapshot := snapshotOf(t, stateStore)
		unread := 0
		for _, notification := range snapshot.Notifications {
			if !notification.IsRead {
				unread++
			}
		}
		if snapshot.UnreadCount != unread || unread != step.expectedUnread {
			t.Fatalf("step %d: unread field %d, counted %d, expected %d", stepIndex, snapshot.UnreadCount, unread, step.expectedUnread)
		}
	}
}

func TestNotificationsOrderNewestFirstWithArrivalTieBreak(t *testing.T) {
	t.Parallel()

	stateStore := store.New(store.Config{})
	stateStore.Apply(
		store.UpsertNotification{Notification: store.Notification{ID: "older", CreatedAt: baseTime.Add(-time.Hour)}},
		store.UpsertNotification{Notification: store.Notification{ID: "first-tie", CreatedAt: baseTime}},
		store.UpsertNotification{Notification: store.Notification{ID: "second-tie", CreatedAt: baseTime}},
	)

	snapshot := snapshotOf(t, stateStore)
	var identifiers []string
	for _, notification := range snapshot.Notifications {
		identifiers = append(identifiers, notification.ID)
	}
	if diff := cmp.Diff([]string{"second-tie", "first-tie", "older"}, identifiers); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestLikeCountNeverNegative(t *testing.T) {
	t.Parallel()

	stateStore := newLoadedStore(t)
	stateStore.Apply(store.SetLike{PostID: "p-2", Liked: false, Count: -3})

	post, found := stateStore.Post("p-2")
	if !found || post.LikeCount != 0 {
		t.Fatalf("expected clamped like count, got %+v", post)
	}
}

func TestPendingPostsAndRefresh(t *testing.T) {
	t.Parallel()

	stateStore := newLoadedStore(t)
	stateStore.Apply(store.AddPendingPost{PostID: "p-new"}, store.AddPendingPost{PostID: "p-1"})
	if stateStore.PendingCount() != 1 {
		t.Fatalf("expected only unseen posts to be pending, got %d", stateStore.PendingCount())
	}

	stateStore.Apply(store.ReplacePosts{Channel: events.ChannelPublicFeed, Posts: []store.Post{{ID: "p-new"}}, TotalPages: 1})
	if stateStore.PendingCount() != 0 {
		t.Fatalf("expected refresh to reset pending items")
	}

	empty := store.New(store.Config{})
	empty.Apply(store.AddPendingPost{PostID: "p-new"})
	if empty.PendingCount() != 0 {
		t.Fatalf("expected no pending items without a loaded list")
	}
}

func TestFollowEdgesScopedToViewedProfile(t *testing.T) {
	t.Parallel()

	stateStore := newLoadedStore(t)
	stateStore.Apply(store.AddFollowEdge{ProfileUserID: "someone-else", Direction: store.DirectionFollowers, Edge: store.FollowEdge{UserID: testViewerID}})
	snapshot := snapshotOf(t, stateStore)
	if len(snapshot.Profile.Followers) != 1 || snapshot.Profile.ViewerFollows {
		t.Fatalf("expected edge for another profile to be ignored")
	}

	stateStore.Apply(store.AddFollowEdge{ProfileUserID: testProfileID, Direction: store.DirectionFollowers, Edge: store.FollowEdge{UserID: testViewerID, Username: testViewerUsername}})
	snapshot = snapshotOf(t, stateStore)
	if !snapshot.Profile.ViewerFollows || snapshot.Profile.Followers[0].UserID != testViewerID {
		t.Fatalf("expected viewer prepended to followers, got %+v", snapshot.Profile.Followers)
	}

	stateStore.Apply(store.RemoveFollowEdge{ProfileUserID: testProfileID, Direction: store.DirectionFollowers, UserID: testViewerID})
	snapshot = snapshotOf(t, stateStore)
	if snapshot.Profile.ViewerFollows {
		t.Fatalf("expected viewer follow flag cleared")
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	t.Parallel()

	stateStore := newLoadedStore(t)
	snapshot := snapshotOf(t, stateStore)
	snapshot.Feed.Posts[0].LikeCount = 99
	snapshot.Profile.Followers[0].Username = "mutated"
	snapshot.Streams["x"] = store.StreamStatus{Name: "x"}

	fresh := snapshotOf(t, stateStore)
	if fresh.Feed.Posts[0].LikeCount != 4 || fresh.Profile.Followers[0].Username != "a" || len(fresh.Streams) != 0 {
		t.Fatalf("snapshot mutation leaked into the store: %+v", fresh)
	}
}

func TestRelationshipSummary(t *testing.T) {
	t.Parallel()

	profile := store.Profile{
		Followers: []store.FollowEdge{{UserID: "1", Username: "zed"}, {UserID: "2", Username: "amy"}},
		Following: []store.FollowEdge{{UserID: "2", Username: "amy"}, {UserID: "3", Username: "bob"}},
	}
	summary := profile.Relationships()

	expected := store.RelationshipSummary{
		Mutuals:       []store.FollowEdge{{UserID: "2", Username: "amy"}},
		FollowersOnly: []store.FollowEdge{{UserID: "1", Username: "zed"}},
		FollowingOnly: []store.FollowEdge{{UserID: "3", Username: "bob"}},
	}
	if diff := cmp.Diff(expected, summary); diff != "" {
		t.Fatalf("unexpected summary (-want +got):\n%s", diff)
	}
}
