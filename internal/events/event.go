package events

import (
	"time"
)

// Kind identifies the closed set of remote event types delivered by the push streams.
type Kind string

const (
	KindNewPost    Kind = "NEW_POST"
	KindDeletePost Kind = "DELETE_POST"
	KindLike       Kind = "LIKE"
	KindUnlike     Kind = "UNLIKE"
	KindFollow     Kind = "FOLLOW"
	KindUnfollow   Kind = "UNFOLLOW"
)

// Channel names the role of the subscription that delivered a frame.
type Channel string

const (
	ChannelPublicFeed    Channel = "public-feed"
	ChannelFollowingFeed Channel = "following-feed"
	ChannelNotifications Channel = "notifications"
)

// Valid reports whether the kind belongs to the known set.
func (kind Kind) Valid() bool {
	switch kind {
	case KindNewPost, KindDeletePost, KindLike, KindUnlike, KindFollow, KindUnfollow:
		return true
	default:
		return false
	}
}

// TargetsPost reports whether the kind acts on a post rather than a user.
func (kind Kind) TargetsPost() bool {
	switch kind {
	case KindNewPost, KindDeletePost, KindLike, KindUnlike:
		return true
	default:
		return false
	}
}

// IsFeed reports whether the channel carries feed updates.
func (channel Channel) IsFeed() bool {
	return channel == ChannelPublicFeed || channel == ChannelFollowingFeed
}

// Payload holds the kind-specific extras carried by a remote event.
type Payload struct {
	Content        string
	AuthorID       string
	AuthorUsername string
	PostCreatedAt  time.Time
	LikeCount      int
	HasLikeCount   bool
	IsRead         bool
}

// RemoteEvent is a normalized server-pushed event. Values are never mutated after parsing.
type RemoteEvent struct {
	Kind            Kind
	SubjectID       string
	ActorID         string
	ActorUsername   string
	TargetID        string
	ServerTimestamp time.Time
	Payload         Payload
	Channel         Channel
}

// NotificationID returns the identifier under which the event is stored as a notification.
func (event RemoteEvent) NotificationID() string {
	if event.SubjectID != "" {
		return event.SubjectID
	}
	return string(event.Kind) + ":" + event.ActorID + ":" + event.TargetID + ":" + event.ServerTimestamp.Format(time.RFC3339Nano)
}
