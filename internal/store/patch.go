package store

import (
	"slices"
	"sort"

	"github.com/f-sync/feedsync/internal/events"
)

// Patch is one of the closed set of idempotent state operations accepted by Store.Apply.
type Patch interface {
	apply(store *Store)
}

// UpsertPost inserts a post at Index or replaces an existing post in place.
// The post is written to every loaded list that already holds it; new posts go to the feed
// and, when written by the viewed profile's owner, to the profile at ProfileIndex.
// SkipIndex keeps a new post out of that list.
type UpsertPost struct {
	Post         Post
	Index        int
	ProfileIndex int
}

// RemovePost drops a post from every list and from the pending new items.
type RemovePost struct {
	PostID string
}

// SetLike records the viewer's like flag and the like count of a post.
type SetLike struct {
	PostID string
	Liked  bool
	Count  int
}

// UpsertNotification inserts or replaces a notification, keeping newest-first order.
type UpsertNotification struct {
	Notification Notification
}

// SetRead marks one notification, or all of them, as read or unread.
type SetRead struct {
	NotificationID string
	All            bool
	Unread         bool
}

// AddFollowEdge adds a member to one side of the viewed profile's follow graph.
type AddFollowEdge struct {
	ProfileUserID string
	Direction     Direction
	Edge          FollowEdge
	Index         int
}

// RemoveFollowEdge removes a member from one side of the viewed profile's follow graph.
type RemoveFollowEdge struct {
	ProfileUserID string
	Direction     Direction
	UserID        string
}

// ReplacePosts loads a fresh feed list and clears the pending new items.
type ReplacePosts struct {
	Channel    events.Channel
	Posts      []Post
	Page       int
	TotalPages int
}

// AppendPosts adds a further page to the loaded feed list, skipping known posts.
type AppendPosts struct {
	Posts      []Post
	Page       int
	TotalPages int
}

// ReplaceNotifications loads a fresh notification list.
type ReplaceNotifications struct {
	Notifications []Notification
}

// ReplaceProfile switches the viewed profile; nil clears it.
type ReplaceProfile struct {
	Profile *Profile
}

// AddPendingPost records a new post available behind the loaded feed list.
type AddPendingPost struct {
	PostID string
}

// SetStreamStatus records the latest connection state of one subscription.
type SetStreamStatus struct {
	Status StreamStatus
}

// SetViewer records the signed-in user.
type SetViewer struct {
	Viewer Viewer
}

func (patch UpsertPost) apply(store *Store) {
	state := &store.state
	post := patch.Post
	if post.LikeCount < 0 {
		post.LikeCount = 0
	}
	replaced := replacePost(state.Feed.Posts, post)
	if state.Profile != nil && replacePost(state.Profile.Posts, post) {
		replaced = true
	}
	if replaced {
		return
	}
	if state.Feed.Loaded && patch.Index != SkipIndex {
		state.Feed.Posts = insertAt(state.Feed.Posts, post, patch.Index)
		state.Feed.PendingPostIDs = slices.DeleteFunc(state.Feed.PendingPostIDs, func(postID string) bool {
			return postID == post.ID
		})
	}
	if state.Profile != nil && patch.ProfileIndex != SkipIndex && post.AuthorUsername == state.Profile.Username {
		state.Profile.Posts = insertAt(state.Profile.Posts, post, patch.ProfileIndex)
	}
}

func (patch RemovePost) apply(store *Store) {
	state := &store.state
	matchesPost := func(post Post) bool { return post.ID == patch.PostID }
	state.Feed.Posts = slices.DeleteFunc(state.Feed.Posts, matchesPost)
	state.Feed.PendingPostIDs = slices.DeleteFunc(state.Feed.PendingPostIDs, func(postID string) bool {
		return postID == patch.PostID
	})
	if state.Profile != nil {
		state.Profile.Posts = slices.DeleteFunc(state.Profile.Posts, matchesPost)
	}
}

func (patch SetLike) apply(store *Store) {
	count := patch.Count
	if count < 0 {
		count = 0
	}
	update := func(posts []Post) {
		if index := indexOfPost(posts, patch.PostID); index >= 0 {
			posts[index].LikedByViewer = patch.Liked
			posts[index].LikeCount = count
		}
	}
	update(store.state.Feed.Posts)
	if store.state.Profile != nil {
		update(store.state.Profile.Posts)
	}
}

func (patch UpsertNotification) apply(store *Store) {
	state := &store.state
	incoming := patch.Notification
	for index := range state.Notifications {
		if state.Notifications[index].ID != incoming.ID {
			continue
		}
		incoming.Arrival = state.Notifications[index].Arrival
		incoming.IsRead = incoming.IsRead || state.Notifications[index].IsRead
		state.Notifications[index] = incoming
		sortNotifications(state.Notifications)
		store.recountUnread()
		return
	}
	incoming.Arrival = store.nextArrival()
	state.Notifications = append(state.Notifications, incoming)
	sortNotifications(state.Notifications)
	store.recountUnread()
}

func (patch SetRead) apply(store *Store) {
	for index := range store.state.Notifications {
		if patch.All || store.state.Notifications[index].ID == patch.NotificationID {
			store.state.Notifications[index].IsRead = !patch.Unread
		}
	}
	store.recountUnread()
}

func (patch AddFollowEdge) apply(store *Store) {
	profile := store.state.Profile
	if profile == nil || profile.UserID != patch.ProfileUserID {
		return
	}
	edges := profile.edges(patch.Direction)
	if edges == nil || indexOfEdge(*edges, patch.Edge.UserID) >= 0 {
		return
	}
	*edges = insertAt(*edges, patch.Edge, patch.Index)
	profile.ViewerFollows = indexOfEdge(profile.Followers, store.state.Viewer.UserID) >= 0
}

func (patch RemoveFollowEdge) apply(store *Store) {
	profile := store.state.Profile
	if profile == nil || profile.UserID != patch.ProfileUserID {
		return
	}
	edges := profile.edges(patch.Direction)
	if edges == nil {
		return
	}
	*edges = slices.DeleteFunc(*edges, func(edge FollowEdge) bool { return edge.UserID == patch.UserID })
	profile.ViewerFollows = indexOfEdge(profile.Followers, store.state.Viewer.UserID) >= 0
}

func (patch ReplacePosts) apply(store *Store) {
	store.state.Feed = FeedView{
		Channel:        patch.Channel,
		Loaded:         true,
		Page:           patch.Page,
		TotalPages:     patch.TotalPages,
		Posts:          uniquePosts(nil, patch.Posts),
		PendingPostIDs: []string{},
	}
}

func (patch AppendPosts) apply(store *Store) {
	feed := &store.state.Feed
	if !feed.Loaded {
		return
	}
	feed.Posts = uniquePosts(feed.Posts, patch.Posts)
	if patch.Page > feed.Page {
		feed.Page = patch.Page
	}
	feed.TotalPages = patch.TotalPages
}

func (patch ReplaceNotifications) apply(store *Store) {
	notifications := make([]Notification, 0, len(patch.Notifications))
	seen := make(map[string]struct{}, len(patch.Notifications))
	for _, notification := range patch.Notifications {
		if _, duplicate := seen[notification.ID]; duplicate {
			continue
		}
		seen[notification.ID] = struct{}{}
		notifications = append(notifications, notification)
	}
	// listed order is newest first, so earlier entries count as later arrivals
	for index := range notifications {
		notifications[index].Arrival = uint64(len(notifications) - index)
	}
	if store.arrivals < uint64(len(notifications)) {
		store.arrivals = uint64(len(notifications))
	}
	sortNotifications(notifications)
	store.state.Notifications = notifications
	store.recountUnread()
}

func (patch ReplaceProfile) apply(store *Store) {
	if patch.Profile == nil {
		store.state.Profile = nil
		return
	}
	profile := *patch.Profile
	profile.Followers = slices.Clone(profile.Followers)
	profile.Following = slices.Clone(profile.Following)
	profile.Posts = slices.Clone(profile.Posts)
	profile.ViewerFollows = indexOfEdge(profile.Followers, store.state.Viewer.UserID) >= 0
	store.state.Profile = &profile
}

func (patch AddPendingPost) apply(store *Store) {
	feed := &store.state.Feed
	if !feed.Loaded || indexOfPost(feed.Posts, patch.PostID) >= 0 || slices.Contains(feed.PendingPostIDs, patch.PostID) {
		return
	}
	feed.PendingPostIDs = append(feed.PendingPostIDs, patch.PostID)
}

func (patch SetStreamStatus) apply(store *Store) {
	if store.state.Streams == nil {
		store.state.Streams = make(map[string]StreamStatus)
	}
	store.state.Streams[patch.Status.Name] = patch.Status
}

func (patch SetViewer) apply(store *Store) {
	store.state.Viewer = patch.Viewer
	if store.state.Profile != nil {
		store.state.Profile.ViewerFollows = indexOfEdge(store.state.Profile.Followers, patch.Viewer.UserID) >= 0
	}
}

func (profile *Profile) edges(direction Direction) *[]FollowEdge {
	switch direction {
	case DirectionFollowers:
		return &profile.Followers
	case DirectionFollowing:
		return &profile.Following
	default:
		return nil
	}
}

func replacePost(posts []Post, post Post) bool {
	index := indexOfPost(posts, post.ID)
	if index < 0 {
		return false
	}
	posts[index] = post
	return true
}

func insertAt[T any](elements []T, element T, index int) []T {
	if index < 0 || index > len(elements) {
		return append(elements, element)
	}
	return slices.Insert(elements, index, element)
}

func uniquePosts(existing []Post, incoming []Post) []Post {
	merged := make([]Post, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, post := range slices.Concat(existing, incoming) {
		if _, duplicate := seen[post.ID]; duplicate {
			continue
		}
		seen[post.ID] = struct{}{}
		if post.LikeCount < 0 {
			post.LikeCount = 0
		}
		merged = append(merged, post)
	}
	return merged
}

func sortNotifications(notifications []Notification) {
	sort.SliceStable(notifications, func(firstIndex, secondIndex int) bool {
		first := notifications[firstIndex]
		second := notifications[secondIndex]
		if !first.CreatedAt.Equal(second.CreatedAt) {
			return first.CreatedAt.After(second.CreatedAt)
		}
		return first.Arrival > second.Arrival
	})
}
