package optimistic

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	"github.com/f-sync/feedsync/internal/events"
	"github.com/f-sync/feedsync/internal/metrics"
)

const (
	defaultGracePeriod      = 10 * time.Second
	minimumCullInterval     = time.Second
	errMessageUnknown       = "unknown mutation"
	errMessageUnsupported   = "unsupported mutation kind"
	logMessageBegin         = "optimistic mutation started"
	logMessageConfirmed     = "optimistic mutation confirmed"
	logMessageRolledBack    = "optimistic mutation rolled back"
	logMessageSuperseded    = "failed mutation superseded by a later one"
	logMessageEchoMatched   = "remote event matched local mutation"
	logFieldMutationID      = "mutation_id"
	logFieldKind            = "kind"
	logFieldTarget          = "target_id"
	logFieldChainLength     = "chain_length"
	logFieldWhilePending    = "while_pending"
	chainKeyPostPrefix      = "post:"
	chainKeyUserPrefix      = "user:"
	echoKeySeparator        = "|"
	statusLabelPending      = "PENDING"
	statusLabelConfirmed    = "CONFIRMED"
	statusLabelRolledBack   = "ROLLED_BACK"
	outcomeLabelSuccess     = "success"
	outcomeLabelFailure     = "failure"
	unsupportedKindTemplate = "%w: %s"
)

var (
	// ErrUnknownMutation reports a Settle call for an id the tracker never issued or already settled.
	ErrUnknownMutation = errors.New(errMessageUnknown)
	// ErrUnsupportedKind reports a Begin call for a kind that cannot be tracked.
	ErrUnsupportedKind = errors.New(errMessageUnsupported)
)

// Status is the lifecycle position of an optimistic mutation.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusRolledBack
)

func (status Status) String() string {
	switch status {
	case StatusConfirmed:
		return statusLabelConfirmed
	case StatusRolledBack:
		return statusLabelRolledBack
	default:
		return statusLabelPending
	}
}

// Outcome is the result of the network call behind a mutation.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

func (outcome Outcome) String() string {
	if outcome == OutcomeFailure {
		return outcomeLabelFailure
	}
	return outcomeLabelSuccess
}

// Mutation describes a locally applied change awaiting server confirmation.
type Mutation struct {
	ID        string
	Kind      events.Kind
	TargetID  string
	AppliedAt time.Time
	Status    Status
}

// SettlementRecorder receives settlement counts.
type SettlementRecorder interface {
	RecordSettlement(kind string, outcome string)
	SetPendingMutations(count int)
}

// Config customizes a Tracker.
type Config struct {
	GracePeriod time.Duration
	Logger      *zap.Logger
	Recorder    SettlementRecorder
	Now         func() time.Time
}

type record struct {
	mutation Mutation
	undo     func()
	chainKey string
	echoed   bool
	undone   bool
}

type echoEntry struct {
	mutation    Mutation
	confirmedAt time.Time
}

// echoBucket holds the confirmed mutations of one kind and target. The map expiry is
// refreshed on every addition, so each entry also carries its own deadline.
type echoBucket struct {
	entries []echoEntry
}

// Tracker records optimistic mutations, chains concurrent ones per target, and keeps
// confirmed mutations for a grace period so their server echoes can be recognized.
type Tracker struct {
	mutex     sync.Mutex
	chains    map[string][]*record
	records   map[string]*record
	confirmed *expiremap.ExpireMap[string, *echoBucket]
	grace     time.Duration
	logger    *zap.Logger
	recorder  SettlementRecorder
	now       func() time.Time
}

// NewTracker constructs a Tracker.
func NewTracker(configuration Config) *Tracker {
	gracePeriod := configuration.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = defaultGracePeriod
	}
	cullInterval := gracePeriod / 2
	if cullInterval < minimumCullInterval {
		cullInterval = minimumCullInterval
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := configuration.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		chains:    make(map[string][]*record),
		records:   make(map[string]*record),
		confirmed: expiremap.NewEx[string, *echoBucket](cullInterval, gracePeriod),
		grace:     gracePeriod,
		logger:    logger,
		recorder:  configuration.Recorder,
		now:       now,
	}
}

// ChainKey returns the key under which mutations on the same entity are serialized.
func ChainKey(kind events.Kind, targetID string) string {
	if kind.TargetsPost() {
		return chainKeyPostPrefix + targetID
	}
	return chainKeyUserPrefix + targetID
}

func echoKey(kind events.Kind, targetID string) string {
	return string(kind) + echoKeySeparator + targetID
}

// Begin records a mutation whose optimistic patch the caller has just applied. undo must
// restore the state observed immediately before that patch. The returned rollback
// restores the state from before the oldest unsettled mutation on the same target.
func (tracker *Tracker) Begin(kind events.Kind, targetID string, undo func()) (Mutation, func(), error) {
	if !kind.Valid() || kind == events.KindNewPost {
		return Mutation{}, nil, fmt.Errorf(unsupportedKindTemplate, ErrUnsupportedKind, kind)
	}
	if undo == nil {
		undo = func() {}
	}

	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	chainKey := ChainKey(kind, targetID)
	entry := &record{
		mutation: Mutation{
			ID:        uuid.NewString(),
			Kind:      kind,
			TargetID:  targetID,
			AppliedAt: tracker.now(),
			Status:    StatusPending,
		},
		undo:     undo,
		chainKey: chainKey,
	}
	chain := append(tracker.chains[chainKey], entry)
	tracker.chains[chainKey] = chain
	tracker.records[entry.mutation.ID] = entry

	netRollback := composeUndos(chain)
	tracker.logger.Debug(logMessageBegin,
		zap.String(logFieldMutationID, entry.mutation.ID),
		zap.String(logFieldKind, string(kind)),
		zap.String(logFieldTarget, targetID),
		zap.Int(logFieldChainLength, len(chain)),
	)
	tracker.reportPendingLocked()
	return entry.mutation, netRollback, nil
}

// Settle resolves a mutation. On failure the appropriate undo runs before Settle returns.
func (tracker *Tracker) Settle(mutationID string, outcome Outcome) (Mutation, error) {
	tracker.mutex.Lock()
	entry, exists := tracker.records[mutationID]
	if !exists {
		tracker.mutex.Unlock()
		return Mutation{}, fmt.Errorf("%w: %s", ErrUnknownMutation, mutationID)
	}

	var restore func()
	if outcome == OutcomeSuccess {
		entry.mutation.Status = StatusConfirmed
		if !entry.echoed {
			tracker.rememberLocked(entry.mutation)
		}
		tracker.logger.Debug(logMessageConfirmed,
			zap.String(logFieldMutationID, mutationID),
			zap.Bool(logFieldWhilePending, entry.echoed),
		)
		tracker.recordSettlement(entry.mutation.Kind, metrics.OutcomeConfirmed)
	} else {
		restore = tracker.failLocked(entry)
		tracker.recordSettlement(entry.mutation.Kind, metrics.OutcomeRolledBack)
	}
	tracker.pruneChainLocked(entry.chainKey)
	delete(tracker.records, mutationID)
	settled := entry.mutation
	tracker.reportPendingLocked()
	tracker.mutex.Unlock()

	if restore != nil {
		restore()
	}
	return settled, nil
}

// failLocked marks the entry rolled back and returns the undo that makes the visible
// state reflect only the surviving mutations of its chain, or nil when a later
// surviving mutation already determines the visible state.
func (tracker *Tracker) failLocked(entry *record) func() {
	entry.mutation.Status = StatusRolledBack
	chain := tracker.chains[entry.chainKey]

	position := -1
	for index, member := range chain {
		if member == entry {
			position = index
			break
		}
	}
	if position < 0 {
		entry.undone = true
		return entry.undo
	}
	for _, later := range chain[position+1:] {
		if later.mutation.Status != StatusRolledBack {
			tracker.logger.Debug(logMessageSuperseded, zap.String(logFieldMutationID, entry.mutation.ID))
			return nil
		}
	}

	// Every failed member back to the previous survivor is still in effect; their
	// undos run latest first because members may touch different parts of the state.
	var inEffect []*record
	for index := position; index >= 0; index-- {
		member := chain[index]
		if member.mutation.Status != StatusRolledBack {
			break
		}
		if !member.undone {
			member.undone = true
			inEffect = append(inEffect, member)
		}
	}
	tracker.logger.Info(logMessageRolledBack,
		zap.String(logFieldMutationID, entry.mutation.ID),
		zap.String(logFieldKind, string(entry.mutation.Kind)),
		zap.String(logFieldTarget, entry.mutation.TargetID),
	)
	return func() {
		for _, member := range inEffect {
			member.undo()
		}
	}
}

// composeUndos returns a rollback that runs the undos of the chain latest first.
func composeUndos(chain []*record) func() {
	undos := make([]func(), 0, len(chain))
	for index := len(chain) - 1; index >= 0; index-- {
		undos = append(undos, chain[index].undo)
	}
	return func() {
		for _, undo := range undos {
			undo()
		}
	}
}

// pruneChainLocked drops a chain once none of its members is pending.
func (tracker *Tracker) pruneChainLocked(chainKey string) {
	for _, member := range tracker.chains[chainKey] {
		if member.mutation.Status == StatusPending {
			return
		}
	}
	delete(tracker.chains, chainKey)
}

// Remember registers a confirmed non-optimistic action so its echo is recognized.
func (tracker *Tracker) Remember(kind events.Kind, targetID string) Mutation {
	mutation := Mutation{
		ID:        uuid.NewString(),
		Kind:      kind,
		TargetID:  targetID,
		AppliedAt: tracker.now(),
		Status:    StatusConfirmed,
	}
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	tracker.rememberLocked(mutation)
	return mutation
}

func (tracker *Tracker) rememberLocked(mutation Mutation) {
	key := echoKey(mutation.Kind, mutation.TargetID)
	bucket := &echoBucket{}
	if existing, found := tracker.confirmed.Load(key); found && existing != nil && *existing != nil {
		bucket = *existing
	}
	bucket.entries = append(tracker.liveEntriesLocked(bucket), echoEntry{mutation: mutation, confirmedAt: tracker.now()})
	tracker.confirmed.Set(key, bucket)
}

// liveEntriesLocked drops the bucket entries confirmed longer than the grace period ago.
func (tracker *Tracker) liveEntriesLocked(bucket *echoBucket) []echoEntry {
	cutoff := tracker.now().Add(-tracker.grace)
	live := bucket.entries[:0]
	for _, entry := range bucket.entries {
		if entry.confirmedAt.After(cutoff) {
			live = append(live, entry)
		}
	}
	bucket.entries = live
	return live
}

// MatchEcho reports whether a remote event of the given kind and target is the echo
// of a local mutation. A confirmed match is consumed; a pending match is marked so its
// later confirmation is discarded instead of retained.
func (tracker *Tracker) MatchEcho(kind events.Kind, targetID string) bool {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	if existing, found := tracker.confirmed.Load(echoKey(kind, targetID)); found && existing != nil && *existing != nil {
		bucket := *existing
		if live := tracker.liveEntriesLocked(bucket); len(live) > 0 {
			matched := live[0]
			bucket.entries = live[1:]
			tracker.logger.Debug(logMessageEchoMatched,
				zap.String(logFieldMutationID, matched.mutation.ID),
				zap.Bool(logFieldWhilePending, false),
			)
			return true
		}
	}

	if !kind.Valid() {
		return false
	}
	chain := tracker.chains[ChainKey(kind, targetID)]
	for index := len(chain) - 1; index >= 0; index-- {
		member := chain[index]
		if member.mutation.Kind != kind || member.mutation.Status != StatusPending || member.echoed {
			continue
		}
		member.echoed = true
		tracker.logger.Debug(logMessageEchoMatched,
			zap.String(logFieldMutationID, member.mutation.ID),
			zap.Bool(logFieldWhilePending, true),
		)
		return true
	}
	return false
}

// Pending returns the unsettled mutations on the target of the given kind, oldest first.
func (tracker *Tracker) Pending(kind events.Kind, targetID string) []Mutation {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	var pending []Mutation
	for _, member := range tracker.chains[ChainKey(kind, targetID)] {
		if member.mutation.Status == StatusPending {
			pending = append(pending, member.mutation)
		}
	}
	return pending
}

// AwaitingEcho returns the number of confirmed mutations still retained for echo matching.
func (tracker *Tracker) AwaitingEcho() int {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	count := 0
	tracker.confirmed.Range(func(_ string, bucket *echoBucket) bool {
		if bucket != nil {
			count += len(tracker.liveEntriesLocked(bucket))
		}
		return true
	})
	return count
}

func (tracker *Tracker) reportPendingLocked() {
	if tracker.recorder == nil {
		return
	}
	tracker.recorder.SetPendingMutations(len(tracker.records))
}

func (tracker *Tracker) recordSettlement(kind events.Kind, outcome string) {
	if tracker.recorder == nil {
		return
	}
	tracker.recorder.RecordSettlement(string(kind), outcome)
}
