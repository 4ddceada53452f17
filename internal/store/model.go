package store

import (
	"time"

	"github.com/f-sync/feedsync/internal/events"
)

const (
	// AppendIndex places an inserted element after every existing one.
	AppendIndex = -1
	// SkipIndex leaves a list untouched when a post is not already in it.
	SkipIndex = -2
)

// Post is a single feed entry as seen by the viewer.
type Post struct {
	ID             string    `json:"id"`
	AuthorID       string    `json:"authorId,omitempty"`
	AuthorUsername string    `json:"authorUsername"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	LikedByViewer  bool      `json:"liked"`
	LikeCount      int       `json:"likedCount"`
}

// Notification is one entry of the viewer's notification list.
type Notification struct {
	ID            string      `json:"id"`
	Kind          events.Kind `json:"type"`
	ActorID       string      `json:"actorId"`
	ActorUsername string      `json:"actorUsername"`
	RelatedPostID string      `json:"postId,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	IsRead        bool        `json:"isRead"`
	Arrival       uint64      `json:"-"`
}

// FollowEdge identifies one member of a follower or following set.
type FollowEdge struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Direction selects the side of a profile's follow graph.
type Direction string

const (
	DirectionFollowers Direction = "followers"
	DirectionFollowing Direction = "following"
)

// Profile is the currently viewed user profile with its follow edges.
type Profile struct {
	UserID        string       `json:"userId"`
	Username      string       `json:"username"`
	Followers     []FollowEdge `json:"followers"`
	Following     []FollowEdge `json:"following"`
	ViewerFollows bool         `json:"viewerFollows"`
	Posts         []Post       `json:"posts,omitempty"`
}

// FeedView describes the loaded feed list and the new items waiting behind it.
type FeedView struct {
	Channel        events.Channel `json:"channel"`
	Loaded         bool           `json:"loaded"`
	Page           int            `json:"page"`
	TotalPages     int            `json:"totalPages"`
	Posts          []Post         `json:"posts"`
	PendingPostIDs []string       `json:"pendingPostIds"`
}

// PendingCount returns the number of new items available behind the rendered list.
func (view FeedView) PendingCount() int {
	return len(view.PendingPostIDs)
}

// HasMore reports whether another page can be requested.
func (view FeedView) HasMore() bool {
	return view.Loaded && view.Page+1 < view.TotalPages
}

// StreamStatus mirrors one subscription's connection state for readers of the store.
type StreamStatus struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	Stale               bool      `json:"stale"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Viewer identifies the signed-in user.
type Viewer struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// State is the complete client-side view. Values handed out by the store are deep copies.
type State struct {
	Viewer        Viewer                  `json:"viewer"`
	Feed          FeedView                `json:"feed"`
	Notifications []Notification          `json:"notifications"`
	UnreadCount   int                     `json:"unreadCount"`
	Profile       *Profile                `json:"profile,omitempty"`
	Streams       map[string]StreamStatus `json:"streams"`
}

// FindPost returns the post with the given id from the feed or the viewed profile.
func (state State) FindPost(postID string) (Post, bool) {
	if index := indexOfPost(state.Feed.Posts, postID); index >= 0 {
		return state.Feed.Posts[index], true
	}
	if state.Profile != nil {
		if index := indexOfPost(state.Profile.Posts, postID); index >= 0 {
			return state.Profile.Posts[index], true
		}
	}
	return Post{}, false
}

// FindNotification returns the stored notification with the given id.
func (state State) FindNotification(notificationID string) (Notification, bool) {
	for _, notification := range state.Notifications {
		if notification.ID == notificationID {
			return notification, true
		}
	}
	return Notification{}, false
}

func indexOfPost(posts []Post, postID string) int {
	for index := range posts {
		if posts[index].ID == postID {
			return index
		}
	}
	return -1
}

func indexOfEdge(edges []FollowEdge, userID string) int {
	for index := range edges {
		if edges[index].UserID == userID {
			return index
		}
	}
	return -1
}
