package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

const (
	headerAccept             = "Accept"
	headerAuthorization      = "Authorization"
	headerCacheControl       = "Cache-Control"
	mediaTypeEventStream     = "text/event-stream"
	cacheControlNoCache      = "no-cache"
	sseMaxEventBytes         = 1 << 20
	defaultDialTimeout       = 5 * time.Second
	defaultTLSTimeout        = 5 * time.Second
	defaultHeaderTimeout     = 10 * time.Second
	errMessageUnexpectedOpen = "stream open returned unexpected status code"
	errMessageBuildRequest   = "build stream request"
	errMessageStreamEnded    = "stream ended by server"
	errMessageStreamRead     = "read stream"
)

var (
	// ErrStreamEnded reports a server-side end of stream, which is treated like any other drop.
	ErrStreamEnded = errors.New(errMessageStreamEnded)
)

// RawFrame is one transport-level message.
type RawFrame struct {
	EventName string
	ID        string
	Data      []byte
}

// DialRequest carries the endpoint and headers for one connection attempt.
type DialRequest struct {
	URL    string
	Header http.Header
}

// Connection is an open stream delivering frames until it fails or is closed.
type Connection interface {
	Next() (RawFrame, error)
	Close() error
}

// Dialer opens stream connections.
type Dialer interface {
	Dial(ctx context.Context, request DialRequest) (Connection, error)
}

// StatusError reports a non-success status on stream open.
type StatusError struct {
	StatusCode int
}

func (statusError *StatusError) Error() string {
	return fmt.Sprintf("%s: %d", errMessageUnexpectedOpen, statusError.StatusCode)
}

// Unauthorized reports whether the server rejected the credential.
func (statusError *StatusError) Unauthorized() bool {
	return statusError.StatusCode == http.StatusUnauthorized || statusError.StatusCode == http.StatusForbidden
}

// SSEDialer opens Server-Sent Events streams over HTTP.
type SSEDialer struct {
	Client *http.Client
}

// NewSSEDialer constructs an SSEDialer; a nil client gets a streaming-safe default.
func NewSSEDialer(client *http.Client) *SSEDialer {
	if client == nil {
		client = &http.Client{Transport: defaultTransport()}
	}
	return &SSEDialer{Client: client}
}

// Dial issues the streaming GET and validates the response status.
func (dialer *SSEDialer) Dial(ctx context.Context, request DialRequest) (Connection, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, request.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageBuildRequest, err)
	}
	for headerName, headerValues := range request.Header {
		for _, headerValue := range headerValues {
			httpRequest.Header.Add(headerName, headerValue)
		}
	}
	httpRequest.Header.Set(headerAccept, mediaTypeEventStream)
	httpRequest.Header.Set(headerCacheControl, cacheControlNoCache)

	client := dialer.Client
	if client == nil {
		client = &http.Client{Transport: defaultTransport()}
	}
	httpResponse, err := client.Do(httpRequest)
	if err != nil {
		return nil, err
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(httpResponse.Body, 1024))
		httpResponse.Body.Close()
		return nil, &StatusError{StatusCode: httpResponse.StatusCode}
	}

	connection := &sseConnection{
		body:   httpResponse.Body,
		frames: make(chan sseResult),
		done:   make(chan struct{}),
	}
	go connection.pump()
	return connection, nil
}

type sseResult struct {
	frame RawFrame
	err   error
}

// sseConnection decodes the response body with go-sse on its own goroutine so Next
// and Close can be called from different goroutines.
type sseConnection struct {
	body      io.ReadCloser
	frames    chan sseResult
	done      chan struct{}
	closeOnce sync.Once
}

func (connection *sseConnection) pump() {
	defer close(connection.frames)
	for event, err := range sse.Read(connection.body, &sse.ReadConfig{MaxEventSize: sseMaxEventBytes}) {
		var result sseResult
		if err != nil {
			result.err = fmt.Errorf("%s: %w", errMessageStreamRead, err)
		} else if event.Data == "" {
			continue
		} else {
			result.frame = RawFrame{EventName: event.Type, ID: event.LastEventID, Data: []byte(event.Data)}
		}
		select {
		case connection.frames <- result:
		case <-connection.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Next blocks until the next event with data arrives or the stream ends.
func (connection *sseConnection) Next() (RawFrame, error) {
	result, open := <-connection.frames
	if !open {
		return RawFrame{}, ErrStreamEnded
	}
	return result.frame, result.err
}

func (connection *sseConnection) Close() error {
	var err error
	connection.closeOnce.Do(func() {
		close(connection.done)
		err = connection.body.Close()
	})
	return err
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
		MaxIdleConnsPerHost:   4,
	}
}
