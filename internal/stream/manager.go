package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/f-sync/feedsync/internal/credential"
	"github.com/f-sync/feedsync/internal/events"
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultMultiplier     = 2.0

	errMessageNoSession       = "no session"
	errMessageFetchCredential = "fetch stream credential"
	errMessageForcedReconnect = "reconnect requested"
	errMessageMissingURL      = "stream url is required"
	errMessageMissingTokens   = "stream credentials are required"

	logMessageTransition         = "stream state changed"
	logMessageTransitionRejected = "stream transition rejected"
	logMessageCredentialRejected = "stream credential rejected; invalidating cached token"
	logFieldStream               = "stream"
	logFieldHandle               = "handle"
	logFieldFrom                 = "from"
	logFieldTo                   = "to"
	logFieldEvent                = "event"
	logFieldFailures             = "consecutive_failures"
	logFieldRetryIn              = "retry_in"
	logFieldStale                = "stale"
)

var (
	// ErrNoSession is returned by Open when no credential is available.
	ErrNoSession = errors.New(errMessageNoSession)
	// ErrMissingURL reports a Manager configured without an endpoint.
	ErrMissingURL = errors.New(errMessageMissingURL)
	// ErrMissingCredentials reports a Manager configured without a token source.
	ErrMissingCredentials = errors.New(errMessageMissingTokens)

	errForcedReconnect = errors.New(errMessageForcedReconnect)
)

// TokenSource supplies bearer tokens to the Manager.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// TransitionRecorder receives connection metrics.
type TransitionRecorder interface {
	ObserveTransition(stream string, state string, states []string)
	RecordReconnect(stream string)
	SetStale(stream string, stale bool)
}

// Handle identifies one Open call. It becomes inactive the moment Close is called.
type Handle struct {
	id     string
	stream string
	closed atomic.Bool
}

// ID returns the handle identifier.
func (handle *Handle) ID() string {
	if handle == nil {
		return ""
	}
	return handle.id
}

// Stream returns the subscription name the handle belongs to.
func (handle *Handle) Stream() string {
	if handle == nil {
		return ""
	}
	return handle.stream
}

// Active reports whether frames delivered under this handle may still be applied.
func (handle *Handle) Active() bool {
	return handle != nil && !handle.closed.Load()
}

// Config describes one logical subscription.
type Config struct {
	Name        string
	Channel     events.Channel
	URL         string
	Dialer      Dialer
	Credentials TokenSource

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter is the randomization factor applied to every delay; zero disables it.
	Jitter float64
	// StaleAfter marks the stream stale once consecutive failures exceed it; zero disables the flag.
	StaleAfter int

	// OnFrame receives every frame read under an active handle, from the reader goroutine.
	OnFrame func(handle *Handle, frame events.Frame)
	// OnTransition is invoked in transition order while the Manager lock is held;
	// it must not call back into the Manager.
	OnTransition func(transition Transition)

	Logger  *zap.Logger
	Metrics TransitionRecorder
	Now     func() time.Time
}

type transitionDetails struct {
	err     error
	retryIn time.Duration
}

// Manager owns the connection lifecycle of one subscription.
type Manager struct {
	name         string
	channel      events.Channel
	url          string
	dialer       Dialer
	credentials  TokenSource
	staleAfter   int
	onFrame      func(handle *Handle, frame events.Frame)
	onTransition func(transition Transition)
	logger       *zap.Logger
	recorder     TransitionRecorder
	now          func() time.Time

	mutex          sync.Mutex
	machine        *fsm.FSM
	lastSource     State
	lastTarget     State
	backOff        *backoff.ExponentialBackOff
	handle         *Handle
	cancel         context.CancelFunc
	connection     Connection
	forceReconnect bool
	failures       int
	stale          bool
	wake           chan struct{}
}

// NewManager validates the configuration and constructs an idle Manager.
func NewManager(configuration Config) (*Manager, error) {
	if configuration.URL == "" {
		return nil, ErrMissingURL
	}
	if configuration.Credentials == nil {
		return nil, ErrMissingCredentials
	}
	dialer := configuration.Dialer
	if dialer == nil {
		dialer = NewSSEDialer(nil)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := configuration.Now
	if now == nil {
		now = time.Now
	}
	name := configuration.Name
	if name == "" {
		name = string(configuration.Channel)
	}
	onFrame := configuration.OnFrame
	if onFrame == nil {
		onFrame = func(*Handle, events.Frame) {}
	}

	manager := &Manager{
		name:         name,
		channel:      configuration.Channel,
		url:          configuration.URL,
		dialer:       dialer,
		credentials:  configuration.Credentials,
		staleAfter:   configuration.StaleAfter,
		onFrame:      onFrame,
		onTransition: configuration.OnTransition,
		logger:       logger.With(zap.String(logFieldStream, name)),
		recorder:     configuration.Metrics,
		now:          now,
		backOff:      newBackOff(configuration),
		wake:         make(chan struct{}, 1),
	}
	manager.machine = newConnectionMachine(func(source State, destination State) {
		manager.lastSource = source
		manager.lastTarget = destination
	})
	if manager.recorder != nil {
		manager.recorder.ObserveTransition(name, string(StateIdle), States)
	}
	return manager, nil
}

func newBackOff(configuration Config) *backoff.ExponentialBackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = configuration.InitialBackoff
	if exponential.InitialInterval <= 0 {
		exponential.InitialInterval = defaultInitialBackoff
	}
	exponential.MaxInterval = configuration.MaxBackoff
	if exponential.MaxInterval <= 0 {
		exponential.MaxInterval = defaultMaxBackoff
	}
	exponential.Multiplier = configuration.Multiplier
	if exponential.Multiplier <= 1 {
		exponential.Multiplier = defaultMultiplier
	}
	exponential.RandomizationFactor = configuration.Jitter
	if exponential.RandomizationFactor < 0 {
		exponential.RandomizationFactor = 0
	}
	exponential.MaxElapsedTime = 0
	exponential.Reset()
	return exponential
}

// Name returns the subscription name.
func (manager *Manager) Name() string {
	return manager.name
}

// State returns the current connection state.
func (manager *Manager) State() State {
	return State(manager.machine.Current())
}

// Current returns the active handle, or nil when the subscription is not open.
func (manager *Manager) Current() *Handle {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if manager.handle.Active() {
		return manager.handle
	}
	return nil
}

// Open starts the subscription. The credential is requested synchronously; when none
// exists the Manager stays idle and ErrNoSession is returned. Opening an already open
// subscription returns the existing handle.
func (manager *Manager) Open(ctx context.Context) (*Handle, error) {
	if handle := manager.Current(); handle != nil {
		return handle, nil
	}

	token, err := manager.credentials.Token(ctx)
	if err != nil {
		if errors.Is(err, credential.ErrNoCredential) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("%s: %w", errMessageFetchCredential, err)
	}

	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if manager.handle.Active() {
		return manager.handle, nil
	}
	handle := &Handle{id: ulid.Make().String(), stream: manager.name}
	loopContext, cancel := context.WithCancel(context.Background())
	manager.handle = handle
	manager.cancel = cancel
	manager.failures = 0
	manager.stale = false
	manager.forceReconnect = false
	manager.backOff.Reset()
	manager.drainWake()
	go manager.run(loopContext, handle, token)
	return handle, nil
}

// Close invalidates the handle, cancels any pending retry and closes the live connection.
// Frames read after Close returns are never delivered.
func (manager *Manager) Close(handle *Handle) {
	if handle == nil {
		return
	}
	manager.mutex.Lock()
	if manager.handle != handle || !handle.Active() {
		manager.mutex.Unlock()
		return
	}
	manager.transitionLocked(handle, eventClose, transitionDetails{})
	handle.closed.Store(true)
	cancel := manager.cancel
	connection := manager.connection
	manager.cancel = nil
	manager.connection = nil
	manager.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if connection != nil {
		connection.Close()
	}
}

// Resume wakes a subscription parked in IDLE because its credential was missing.
func (manager *Manager) Resume() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if !manager.handle.Active() || manager.State() != StateIdle {
		return
	}
	manager.signalWake()
}

// Reconnect re-establishes the stream with a fresh credential. A live connection is
// dropped without counting as a failure; a pending retry is started immediately.
func (manager *Manager) Reconnect() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if !manager.handle.Active() {
		return
	}
	switch manager.State() {
	case StateOpen:
		manager.forceReconnect = true
		if manager.connection != nil {
			manager.connection.Close()
		}
	case StateIdle, StateClosedError:
		manager.signalWake()
	}
}

func (manager *Manager) run(ctx context.Context, handle *Handle, token string) {
	for ctx.Err() == nil {
		if !manager.transition(handle, eventConnect, transitionDetails{}) {
			return
		}

		if token == "" {
			fetched, err := manager.credentials.Token(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, credential.ErrNoCredential) {
					if !manager.transition(handle, eventPark, transitionDetails{err: ErrNoSession}) {
						return
					}
					if !manager.waitForWake(ctx) {
						return
					}
					continue
				}
				if !manager.failAndWait(ctx, handle, fmt.Errorf("%s: %w", errMessageFetchCredential, err)) {
					return
				}
				continue
			}
			token = fetched
		}

		header := http.Header{}
		header.Set(headerAuthorization, credential.AuthorizationHeader(token))
		token = ""
		connection, err := manager.dialer.Dial(ctx, DialRequest{URL: manager.url, Header: header})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var statusError *StatusError
			if errors.As(err, &statusError) && statusError.Unauthorized() {
				manager.logger.Warn(logMessageCredentialRejected, zap.Error(err))
				manager.credentials.Invalidate()
			}
			if !manager.failAndWait(ctx, handle, err) {
				return
			}
			continue
		}

		if !manager.attach(handle, connection) {
			connection.Close()
			return
		}
		pumpErr := manager.pump(handle, connection)
		forced := manager.detach(connection)
		connection.Close()
		if ctx.Err() != nil || !handle.Active() {
			return
		}
		if forced {
			if !manager.transition(handle, eventFail, transitionDetails{err: errForcedReconnect}) {
				return
			}
			continue
		}
		if !manager.failAndWait(ctx, handle, pumpErr) {
			return
		}
	}
}

func (manager *Manager) attach(handle *Handle, connection Connection) bool {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if !handle.Active() || manager.handle != handle {
		return false
	}
	manager.connection = connection
	manager.failures = 0
	manager.stale = false
	manager.forceReconnect = false
	manager.backOff.Reset()
	manager.drainWake()
	return manager.transitionLocked(handle, eventOpened, transitionDetails{})
}

func (manager *Manager) detach(connection Connection) bool {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if manager.connection == connection {
		manager.connection = nil
	}
	forced := manager.forceReconnect
	manager.forceReconnect = false
	return forced
}

func (manager *Manager) pump(handle *Handle, connection Connection) error {
	for {
		frame, err := connection.Next()
		if err != nil {
			return err
		}
		if !handle.Active() {
			return nil
		}
		manager.onFrame(handle, events.Frame{Channel: manager.channel, EventName: frame.EventName, Data: frame.Data})
	}
}

func (manager *Manager) failAndWait(ctx context.Context, handle *Handle, cause error) bool {
	manager.mutex.Lock()
	if !handle.Active() || manager.handle != handle {
		manager.mutex.Unlock()
		return false
	}
	manager.failures++
	manager.stale = manager.staleAfter > 0 && manager.failures > manager.staleAfter
	delay := manager.backOff.NextBackOff()
	if delay == backoff.Stop {
		delay = manager.backOff.MaxInterval
	}
	transitioned := manager.transitionLocked(handle, eventFail, transitionDetails{err: cause, retryIn: delay})
	manager.mutex.Unlock()
	if !transitioned {
		return false
	}
	if manager.recorder != nil {
		manager.recorder.RecordReconnect(manager.name)
	}
	return manager.waitForDuration(ctx, delay)
}

func (manager *Manager) waitForDuration(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-manager.wake:
		return true
	}
}

func (manager *Manager) waitForWake(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-manager.wake:
		return true
	}
}

func (manager *Manager) signalWake() {
	select {
	case manager.wake <- struct{}{}:
	default:
	}
}

func (manager *Manager) drainWake() {
	select {
	case <-manager.wake:
	default:
	}
}

func (manager *Manager) transition(handle *Handle, event string, details transitionDetails) bool {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.transitionLocked(handle, event, details)
}

func (manager *Manager) transitionLocked(handle *Handle, event string, details transitionDetails) bool {
	if !handle.Active() || manager.handle != handle {
		return false
	}
	if err := manager.machine.Event(context.Background(), event); err != nil {
		manager.logger.Debug(logMessageTransitionRejected, zap.String(logFieldEvent, event), zap.Error(err))
		return false
	}

	transition := Transition{
		Stream:              manager.name,
		HandleID:            handle.id,
		From:                manager.lastSource,
		To:                  manager.lastTarget,
		ConsecutiveFailures: manager.failures,
		Stale:               manager.stale,
		RetryIn:             details.retryIn,
		Err:                 details.err,
		At:                  manager.now(),
	}
	manager.publish(transition)
	return true
}

func (manager *Manager) publish(transition Transition) {
	fields := []zap.Field{
		zap.String(logFieldHandle, transition.HandleID),
		zap.String(logFieldFrom, string(transition.From)),
		zap.String(logFieldTo, string(transition.To)),
		zap.Int(logFieldFailures, transition.ConsecutiveFailures),
	}
	if transition.RetryIn > 0 {
		fields = append(fields, zap.Duration(logFieldRetryIn, transition.RetryIn))
	}
	if transition.Stale {
		fields = append(fields, zap.Bool(logFieldStale, true))
	}
	if transition.Err != nil {
		fields = append(fields, zap.Error(transition.Err))
		manager.logger.Warn(logMessageTransition, fields...)
	} else {
		manager.logger.Info(logMessageTransition, fields...)
	}

	if manager.recorder != nil {
		manager.recorder.ObserveTransition(manager.name, string(transition.To), States)
		manager.recorder.SetStale(manager.name, transition.Stale)
	}
	if manager.onTransition != nil {
		manager.onTransition(transition)
	}
}
