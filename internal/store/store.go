package store

import (
	"fmt"
	"sync"

	"github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"
)

const (
	errMessageSnapshotCopy    = "copy state snapshot"
	logMessageSnapshotFailure = "state snapshot copy failed"
)

// Config customizes a Store.
type Config struct {
	Viewer Viewer
	Logger *zap.Logger
}

// Store holds the authoritative client-side state. Writes go through Apply only;
// reads return deep copies so callers never share memory with the store.
type Store struct {
	mutex    sync.RWMutex
	state    State
	arrivals uint64
	logger   *zap.Logger
}

// New constructs an empty Store for the given viewer.
func New(configuration Config) *Store {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		state: State{
			Viewer:        configuration.Viewer,
			Notifications: []Notification{},
			Feed:          FeedView{Posts: []Post{}, PendingPostIDs: []string{}},
			Streams:       map[string]StreamStatus{},
		},
		logger: logger,
	}
}

// Apply executes patches in order under the write lock.
func (store *Store) Apply(patches ...Patch) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, patch := range patches {
		if patch == nil {
			continue
		}
		patch.apply(store)
	}
}

// Snapshot returns a deep copy of the whole state.
func (store *Store) Snapshot() (State, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()

	var snapshot State
	if err := deepcopy.Copy(&snapshot, &store.state); err != nil {
		store.logger.Error(logMessageSnapshotFailure, zap.Error(err))
		return State{}, fmt.Errorf("%s: %w", errMessageSnapshotCopy, err)
	}
	return snapshot, nil
}

// Post returns a copy of one post.
func (store *Store) Post(postID string) (Post, bool) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.state.FindPost(postID)
}

// Notification returns a copy of one notification.
func (store *Store) Notification(notificationID string) (Notification, bool) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.state.FindNotification(notificationID)
}

// Viewer returns the signed-in user.
func (store *Store) Viewer() Viewer {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.state.Viewer
}

// UnreadCount returns the number of unread notifications.
func (store *Store) UnreadCount() int {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.state.UnreadCount
}

// PendingCount returns the number of new feed items waiting behind the loaded list.
func (store *Store) PendingCount() int {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.state.Feed.PendingCount()
}

// FeedLoaded reports whether a feed list is currently rendered.
func (store *Store) FeedLoaded() bool {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.state.Feed.Loaded
}

// Feed returns a shallow description of the loaded feed without its posts.
func (store *Store) Feed() FeedView {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	feed := store.state.Feed
	feed.Posts = nil
	feed.PendingPostIDs = nil
	return feed
}

// ProfileEdges returns the viewed profile's identity and a copy of one side of its follow graph.
func (store *Store) ProfileEdges(direction Direction) (string, []FollowEdge, bool) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	profile := store.state.Profile
	if profile == nil {
		return "", nil, false
	}
	edges := profile.edges(direction)
	if edges == nil {
		return profile.UserID, nil, true
	}
	return profile.UserID, append([]FollowEdge(nil), (*edges)...), true
}

// PostPositions returns the indices of a post in the feed and the profile lists (-1 when absent).
func (store *Store) PostPositions(postID string) (int, int) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	profileIndex := -1
	if store.state.Profile != nil {
		profileIndex = indexOfPost(store.state.Profile.Posts, postID)
	}
	return indexOfPost(store.state.Feed.Posts, postID), profileIndex
}

func (store *Store) recountUnread() {
	unread := 0
	for _, notification := range store.state.Notifications {
		if !notification.IsRead {
			unread++
		}
	}
	store.state.UnreadCount = unread
}

func (store *Store) nextArrival() uint64 {
	store.arrivals++
	return store.arrivals
}
