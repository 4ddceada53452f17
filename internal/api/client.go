package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/f-sync/feedsync/internal/credential"
	"github.com/f-sync/feedsync/internal/events"
	"github.com/f-sync/feedsync/internal/store"
)

const (
	pathPosts              = "/posts"
	pathPost               = "/posts/%s"
	pathUserPosts          = "/posts/%s"
	pathLike               = "/likes/%s"
	pathFollow             = "/follows/%s"
	pathFollowers          = "/follows/followers/%s"
	pathFollowees          = "/follows/followees/%s"
	pathFeed               = "/feed/%s"
	pathNotifications      = "/notifications"
	pathNotificationRead   = "/notifications/%s/read"
	pathNotificationsRead  = "/notifications/read-all"
	pathUserInfo           = "/users/info/%s"
	feedSegmentPublic      = "public"
	feedSegmentFollowing   = "following"
	queryPage              = "page"
	querySize              = "size"
	headerAuthorization    = "Authorization"
	headerContentType      = "Content-Type"
	headerAccept           = "Accept"
	mediaTypeJSON          = "application/json"
	maxErrorBodyBytes      = 4 * 1024
	defaultDialTimeout     = 5 * time.Second
	defaultTLSTimeout      = 5 * time.Second
	defaultHeaderTimeout   = 10 * time.Second
	defaultHTTPTimeout     = 15 * time.Second
	errMessageParseBaseURL = "parse api base url"
	errMessageMissingBase  = "api base url is required"
	errMessageEmptyID      = "identifier cannot be empty"
	errMessageUnknownFeed  = "unknown feed channel"
	errMessageUnauthorized = "api rejected the credential"
	errMessageNoSession    = "no session for api request"
	errMessageBuildRequest = "build api request"
	errMessageEncodeBody   = "encode api request body"
	errMessageDecodeBody   = "decode api response body"
	errMessageRequest      = "api request failed"
	logMessageRequestError = "api request returned an error status"
	logFieldMethod         = "method"
	logFieldPath           = "path"
	logFieldStatus         = "status"
)

var (
	// ErrUnauthorized is matched by RequestErrors carrying 401 or 403.
	ErrUnauthorized = errors.New(errMessageUnauthorized)
	// ErrNoSession reports that no credential was available for an authenticated call.
	ErrNoSession = errors.New(errMessageNoSession)

	errMissingBaseURL = errors.New(errMessageMissingBase)
	errEmptyID        = errors.New(errMessageEmptyID)
	errUnknownFeed    = errors.New(errMessageUnknownFeed)
)

// TokenSource supplies the bearer token attached to every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// RequestError reports a non-success response.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (requestError *RequestError) Error() string {
	if requestError.Message != "" {
		return fmt.Sprintf("%s %s returned %d: %s", requestError.Method, requestError.Path, requestError.StatusCode, requestError.Message)
	}
	return fmt.Sprintf("%s %s returned %d", requestError.Method, requestError.Path, requestError.StatusCode)
}

// Is lets errors.Is(err, ErrUnauthorized) match rejected credentials.
func (requestError *RequestError) Is(target error) bool {
	return target == ErrUnauthorized &&
		(requestError.StatusCode == http.StatusUnauthorized || requestError.StatusCode == http.StatusForbidden)
}

// FeedPage is one page of a feed listing.
type FeedPage struct {
	Posts      []store.Post
	TotalPages int
}

// UserInfo describes a profile owner as returned by the user lookup.
type UserInfo struct {
	UserID        string
	Username      string
	ViewerFollows bool
}

// Config customizes a Client.
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	Credentials TokenSource
	Logger      *zap.Logger
}

// Client calls the REST endpoints that back mutations and view loads.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	credentials TokenSource
	logger      *zap.Logger
}

// NewClient validates the base URL and constructs a Client.
func NewClient(configuration Config) (*Client, error) {
	if strings.TrimSpace(configuration.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	parsedBaseURL, err := url.Parse(strings.TrimRight(configuration.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageParseBaseURL, err)
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: defaultTransport(), Timeout: defaultHTTPTimeout}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     parsedBaseURL,
		httpClient:  httpClient,
		credentials: configuration.Credentials,
		logger:      logger,
	}, nil
}

type wirePost struct {
	ID             events.ID        `json:"id"`
	AuthorID       events.ID        `json:"authorId"`
	AuthorUsername string           `json:"authorUsername"`
	Content        string           `json:"content"`
	CreatedAt      events.Timestamp `json:"createdAt"`
	Liked          bool             `json:"liked"`
	LikedCount     int              `json:"likedCount"`
}

func (post wirePost) toPost() store.Post {
	likeCount := post.LikedCount
	if likeCount < 0 {
		likeCount = 0
	}
	return store.Post{
		ID:             string(post.ID),
		AuthorID:       string(post.AuthorID),
		AuthorUsername: post.AuthorUsername,
		Content:        post.Content,
		CreatedAt:      post.CreatedAt.Time,
		LikedByViewer:  post.Liked,
		LikeCount:      likeCount,
	}
}

type wireFeedPage struct {
	Content    []wirePost `json:"content"`
	TotalPages int        `json:"totalPages"`
}

type wireNotification struct {
	ID            events.ID        `json:"id"`
	Type          string           `json:"type"`
	ActorID       events.ID        `json:"actorId"`
	ActorUsername string           `json:"actorUsername"`
	PostID        events.ID        `json:"postId"`
	CreatedAt     events.Timestamp `json:"createdAt"`
	IsRead        bool             `json:"isRead"`
}

type wireUser struct {
	ID         events.ID `json:"id"`
	Username   string    `json:"username"`
	IsFollowed bool      `json:"isFollowed"`
}

type wireError struct {
	Message string `json:"message"`
}

type createPostRequest struct {
	Content string `json:"content"`
}

// CreatePost publishes a post and returns it as the server stored it. The returned post
// has an empty ID when the server does not echo the created entity.
func (client *Client) CreatePost(ctx context.Context, content string) (store.Post, error) {
	var created wirePost
	if err := client.do(ctx, http.MethodPost, pathPosts, nil, createPostRequest{Content: content}, &created); err != nil {
		return store.Post{}, err
	}
	return created.toPost(), nil
}

// DeletePost removes one of the viewer's posts.
func (client *Client) DeletePost(ctx context.Context, postID string) error {
	return client.doWithID(ctx, http.MethodDelete, pathPost, postID)
}

// Like records the viewer's like on a post.
func (client *Client) Like(ctx context.Context, postID string) error {
	return client.doWithID(ctx, http.MethodPost, pathLike, postID)
}

// Unlike withdraws the viewer's like.
func (client *Client) Unlike(ctx context.Context, postID string) error {
	return client.doWithID(ctx, http.MethodDelete, pathLike, postID)
}

// Follow makes the viewer a follower of the user.
func (client *Client) Follow(ctx context.Context, userID string) error {
	return client.doWithID(ctx, http.MethodPost, pathFollow, userID)
}

// Unfollow stops the viewer following the user.
func (client *Client) Unfollow(ctx context.Context, userID string) error {
	return client.doWithID(ctx, http.MethodDelete, pathFollow, userID)
}

// MarkRead marks one notification read.
func (client *Client) MarkRead(ctx context.Context, notificationID string) error {
	return client.doWithID(ctx, http.MethodPost, pathNotificationRead, notificationID)
}

// MarkAllRead marks every notification of the viewer read.
func (client *Client) MarkAllRead(ctx context.Context) error {
	return client.do(ctx, http.MethodPost, pathNotificationsRead, nil, nil, nil)
}

// FetchFeed loads one zero-based page of the public or following feed.
func (client *Client) FetchFeed(ctx context.Context, channel events.Channel, page int, size int) (FeedPage, error) {
	var segment string
	switch channel {
	case events.ChannelPublicFeed:
		segment = feedSegmentPublic
	case events.ChannelFollowingFeed:
		segment = feedSegmentFollowing
	default:
		return FeedPage{}, fmt.Errorf("%w: %s", errUnknownFeed, channel)
	}
	query := url.Values{}
	query.Set(queryPage, strconv.Itoa(page))
	query.Set(querySize, strconv.Itoa(size))

	var wirePage wireFeedPage
	if err := client.do(ctx, http.MethodGet, fmt.Sprintf(pathFeed, segment), query, nil, &wirePage); err != nil {
		return FeedPage{}, err
	}
	feedPage := FeedPage{Posts: make([]store.Post, 0, len(wirePage.Content)), TotalPages: wirePage.TotalPages}
	for _, post := range wirePage.Content {
		feedPage.Posts = append(feedPage.Posts, post.toPost())
	}
	return feedPage, nil
}

// FetchNotifications loads the viewer's notification list in server order.
func (client *Client) FetchNotifications(ctx context.Context) ([]store.Notification, error) {
	var wireNotifications []wireNotification
	if err := client.do(ctx, http.MethodGet, pathNotifications, nil, nil, &wireNotifications); err != nil {
		return nil, err
	}
	notifications := make([]store.Notification, 0, len(wireNotifications))
	for _, notification := range wireNotifications {
		notifications = append(notifications, store.Notification{
			ID:            string(notification.ID),
			Kind:          events.Kind(strings.ToUpper(strings.TrimSpace(notification.Type))),
			ActorID:       string(notification.ActorID),
			ActorUsername: notification.ActorUsername,
			RelatedPostID: string(notification.PostID),
			CreatedAt:     notification.CreatedAt.Time,
			IsRead:        notification.IsRead,
		})
	}
	return notifications, nil
}

// FetchUserInfo resolves a username to the user id and the viewer's follow flag.
func (client *Client) FetchUserInfo(ctx context.Context, username string) (UserInfo, error) {
	if strings.TrimSpace(username) == "" {
		return UserInfo{}, errEmptyID
	}
	var user wireUser
	if err := client.do(ctx, http.MethodGet, fmt.Sprintf(pathUserInfo, url.PathEscape(username)), nil, nil, &user); err != nil {
		return UserInfo{}, err
	}
	return UserInfo{UserID: string(user.ID), Username: user.Username, ViewerFollows: user.IsFollowed}, nil
}

// FetchUserPosts loads the posts authored by the user in server order.
func (client *Client) FetchUserPosts(ctx context.Context, username string) ([]store.Post, error) {
	if strings.TrimSpace(username) == "" {
		return nil, errEmptyID
	}
	var wirePosts []wirePost
	if err := client.do(ctx, http.MethodGet, fmt.Sprintf(pathUserPosts, url.PathEscape(username)), nil, nil, &wirePosts); err != nil {
		return nil, err
	}
	posts := make([]store.Post, 0, len(wirePosts))
	for _, post := range wirePosts {
		posts = append(posts, post.toPost())
	}
	return posts, nil
}

// FetchFollowers loads the users following userID.
func (client *Client) FetchFollowers(ctx context.Context, userID string) ([]store.FollowEdge, error) {
	return client.fetchEdges(ctx, pathFollowers, userID)
}

// FetchFollowees loads the users userID follows.
func (client *Client) FetchFollowees(ctx context.Context, userID string) ([]store.FollowEdge, error) {
	return client.fetchEdges(ctx, pathFollowees, userID)
}

func (client *Client) fetchEdges(ctx context.Context, pathFormat string, userID string) ([]store.FollowEdge, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errEmptyID
	}
	var users []wireUser
	if err := client.do(ctx, http.MethodGet, fmt.Sprintf(pathFormat, url.PathEscape(userID)), nil, nil, &users); err != nil {
		return nil, err
	}
	edges := make([]store.FollowEdge, 0, len(users))
	for _, user := range users {
		edges = append(edges, store.FollowEdge{UserID: string(user.ID), Username: user.Username})
	}
	return edges, nil
}

func (client *Client) doWithID(ctx context.Context, method string, pathFormat string, identifier string) error {
	if strings.TrimSpace(identifier) == "" {
		return errEmptyID
	}
	return client.do(ctx, method, fmt.Sprintf(pathFormat, url.PathEscape(identifier)), nil, nil, nil)
}

func (client *Client) do(ctx context.Context, method string, path string, query url.Values, requestBody any, responseBody any) error {
	endpoint := *client.baseURL
	endpoint.Path = client.baseURL.Path + path
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("%s: %w", errMessageEncodeBody, err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, method, endpoint.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageBuildRequest, err)
	}
	httpRequest.Header.Set(headerAccept, mediaTypeJSON)
	if requestBody != nil {
		httpRequest.Header.Set(headerContentType, mediaTypeJSON)
	}
	if client.credentials != nil {
		token, tokenErr := client.credentials.Token(ctx)
		if tokenErr != nil {
			if errors.Is(tokenErr, credential.ErrNoCredential) {
				return ErrNoSession
			}
			return fmt.Errorf("%s: %w", errMessageRequest, tokenErr)
		}
		httpRequest.Header.Set(headerAuthorization, credential.AuthorizationHeader(token))
	}

	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageRequest, err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		requestError := &RequestError{Method: method, Path: path, StatusCode: httpResponse.StatusCode}
		errorBody, _ := io.ReadAll(io.LimitReader(httpResponse.Body, maxErrorBodyBytes))
		var decoded wireError
		if json.Unmarshal(errorBody, &decoded) == nil {
			requestError.Message = decoded.Message
		}
		client.logger.Warn(logMessageRequestError,
			zap.String(logFieldMethod, method),
			zap.String(logFieldPath, path),
			zap.Int(logFieldStatus, httpResponse.StatusCode),
		)
		return requestError
	}

	if responseBody == nil || httpResponse.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, httpResponse.Body)
		return nil
	}
	payload, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageDecodeBody, err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, responseBody); err != nil {
		return fmt.Errorf("%s: %w", errMessageDecodeBody, err)
	}
	return nil
}

func defaultTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaultDialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   defaultTLSTimeout,
		ResponseHeaderTimeout: defaultHeaderTimeout,
		MaxIdleConnsPerHost:   8,
	}
}
