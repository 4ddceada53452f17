package optimistic_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/f-sync/feedsync/internal/events"
	"github.com/f-sync/feedsync/internal/metrics"
	"github.com/f-sync/feedsync/internal/optimistic"
)

const (
	testPostID = "p-1"
	testUserID = "u-1"
)

// likeState models the substate a like mutation touches.
type likeState struct {
	liked bool
	count int
}

type likeHarness struct {
	state   likeState
	tracker *optimistic.Tracker
}

func newLikeHarness(initial likeState) *likeHarness {
	return &likeHarness{state: initial, tracker: optimistic.NewTracker(optimistic.Config{GracePeriod: time.Minute})}
}

func (harness *likeHarness) toggle(t *testing.T, kind events.Kind) optimistic.Mutation {
	t.Helper()
	previous := harness.state
	if kind == events.KindLike {
		harness.state = likeState{liked: true, count: previous.count + 1}
	} else {
		harness.state = likeState{liked: false, count: previous.count - 1}
	}
	mutation, rollback, err := harness.tracker.Begin(kind, testPostID, func() { harness.state = previous })
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if rollback == nil {
		t.Fatalf("expected a rollback closure")
	}
	return mutation
}

func (harness *likeHarness) settle(t *testing.T, mutation optimistic.Mutation, outcome optimistic.Outcome) optimistic.Mutation {
	t.Helper()
	settled, err := harness.tracker.Settle(mutation.ID, outcome)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	return settled
}

func TestFailedMutationRestoresPriorState(t *testing.T) {
	t.Parallel()

	harness := newLikeHarness(likeState{liked: false, count: 4})
	mutation := harness.toggle(t, events.KindLike)
	if harness.state != (likeState{liked: true, count: 5}) {
		t.Fatalf("unexpected optimistic state %+v", harness.state)
	}

	settled := harness.settle(t, mutation, optimistic.OutcomeFailure)
	if settled.Status != optimistic.StatusRolledBack {
		t.Fatalf("expected rolled back status, got %s", settled.Status)
	}
	if harness.state != (likeState{liked: false, count: 4}) {
		t.Fatalf("expected prior state restored, got %+v", harness.state)
	}
}

func TestChainedMutationsRollBackToPreChainState(t *testing.T) {
	t.Parallel()

	initial := likeState{liked: false, count: 4}
	testCases := []struct {
		name     string
		order    []int
		outcomes []optimistic.Outcome
		expected likeState
	}{
		{
			name:     "both fail in order",
			order:    []int{0, 1},
			outcomes: []optimistic.Outcome{optimistic.OutcomeFailure, optimistic.OutcomeFailure},
			expected: initial,
		},
		{
			name:     "both fail in reverse order",
			order:    []int{1, 0},
			outcomes: []optimistic.Outcome{optimistic.OutcomeFailure, optimistic.OutcomeFailure},
			expected: initial,
		},
		{
			name:     "first succeeds then second fails",
			order:    []int{0, 1},
			outcomes: []optimistic.Outcome{optimistic.OutcomeSuccess, optimistic.OutcomeFailure},
			expected: likeState{liked: true, count: 5},
		},
		{
			name:     "first fails then second succeeds",
			order:    []int{0, 1},
			outcomes: []optimistic.Outcome{optimistic.OutcomeFailure, optimistic.OutcomeSuccess},
			expected: likeState{liked: false, count: 4},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			harness := newLikeHarness(initial)
			mutations := []optimistic.Mutation{
				harness.toggle(t, events.KindLike),
				harness.toggle(t, events.KindUnlike),
			}
			for step, mutationIndex := range testCase.order {
				harness.settle(t, mutations[mutationIndex], testCase.outcomes[step])
			}
			if harness.state != testCase.expected {
				t.Fatalf("expected %+v, got %+v", testCase.expected, harness.state)
			}
		})
	}
}

// postState models a post that a like and a delete can both touch.
type postState struct {
	present bool
	like    likeState
}

func TestChainAcrossKindsRestoresEveryFailedMember(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		order []int
	}{
		{name: "like fails before delete", order: []int{0, 1}},
		{name: "delete fails before like", order: []int{1, 0}},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			initial := postState{present: true, like: likeState{liked: false, count: 4}}
			state := initial
			tracker := optimistic.NewTracker(optimistic.Config{GracePeriod: time.Minute})

			beforeLike := state.like
			state.like = likeState{liked: true, count: 5}
			like, _, err := tracker.Begin(events.KindLike, testPostID, func() { state.like = beforeLike })
			if err != nil {
				t.Fatalf("begin like: %v", err)
			}

			beforeDelete := state
			state = postState{}
			remove, _, err := tracker.Begin(events.KindDeletePost, testPostID, func() { state = beforeDelete })
			if err != nil {
				t.Fatalf("begin delete: %v", err)
			}

			mutations := []optimistic.Mutation{like, remove}
			for _, mutationIndex := range testCase.order {
				if _, settleErr := tracker.Settle(mutations[mutationIndex].ID, optimistic.OutcomeFailure); settleErr != nil {
					t.Fatalf("settle: %v", settleErr)
				}
			}
			if state != initial {
				t.Fatalf("expected %+v after both failures, got %+v", initial, state)
			}
		})
	}
}

func TestBeginReturnsNetRollback(t *testing.T) {
	t.Parallel()

	harness := newLikeHarness(likeState{liked: false, count: 4})
	harness.toggle(t, events.KindLike)
	previous := harness.state
	harness.state = likeState{liked: false, count: 4}
	_, netRollback, err := harness.tracker.Begin(events.KindUnlike, testPostID, func() { harness.state = previous })
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	harness.state = likeState{liked: true, count: 100}
	netRollback()
	if harness.state != (likeState{liked: false, count: 4}) {
		t.Fatalf("expected net rollback to restore pre-chain state, got %+v", harness.state)
	}
}

func TestConfirmedMutationMatchesEchoOnce(t *testing.T) {
	t.Parallel()

	harness := newLikeHarness(likeState{count: 4})
	mutation := harness.toggle(t, events.KindLike)
	harness.settle(t, mutation, optimistic.OutcomeSuccess)

	if harness.tracker.AwaitingEcho() != 1 {
		t.Fatalf("expected confirmed mutation retained for echo matching")
	}
	if harness.tracker.MatchEcho(events.KindUnlike, testPostID) {
		t.Fatalf("expected different kind not to match")
	}
	if !harness.tracker.MatchEcho(events.KindLike, testPostID) {
		t.Fatalf("expected echo to match confirmed mutation")
	}
	if harness.tracker.MatchEcho(events.KindLike, testPostID) {
		t.Fatalf("expected echo to be consumed")
	}
}

func TestEchoWhilePendingIsNotRetained(t *testing.T) {
	t.Parallel()

	harness := newLikeHarness(likeState{count: 4})
	mutation := harness.toggle(t, events.KindLike)
	if !harness.tracker.MatchEcho(events.KindLike, testPostID) {
		t.Fatalf("expected echo to match pending mutation")
	}
	harness.settle(t, mutation, optimistic.OutcomeSuccess)

	if harness.tracker.AwaitingEcho() != 0 {
		t.Fatalf("expected no retained mutation after early echo")
	}
	if harness.tracker.MatchEcho(events.KindLike, testPostID) {
		t.Fatalf("expected a second event to be treated as remote")
	}
}

func TestConfirmedMutationExpiresAfterGracePeriod(t *testing.T) {
	t.Parallel()

	tracker := optimistic.NewTracker(optimistic.Config{GracePeriod: 50 * time.Millisecond})
	tracker.Remember(events.KindNewPost, testPostID)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if tracker.AwaitingEcho() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected remembered mutation to expire")
}

func TestStaleConfirmationIsNotRevivedByLaterOne(t *testing.T) {
	t.Parallel()

	clock := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tracker := optimistic.NewTracker(optimistic.Config{
		GracePeriod: time.Minute,
		Now:         func() time.Time { return clock },
	})

	tracker.Remember(events.KindLike, testPostID)
	clock = clock.Add(2 * time.Minute)
	tracker.Remember(events.KindLike, testPostID)

	if awaiting := tracker.AwaitingEcho(); awaiting != 1 {
		t.Fatalf("expected only the recent confirmation retained, got %d", awaiting)
	}
	if !tracker.MatchEcho(events.KindLike, testPostID) {
		t.Fatalf("expected the recent confirmation to match")
	}
	if tracker.MatchEcho(events.KindLike, testPostID) {
		t.Fatalf("expected the expired confirmation not to match")
	}
}

type settlementLog struct {
	outcomes []string
	pending  int
}

func (log *settlementLog) RecordSettlement(kind string, outcome string) {
	log.outcomes = append(log.outcomes, kind+" "+outcome)
}

func (log *settlementLog) SetPendingMutations(count int) {
	log.pending = count
}

func TestSettlementsAreRecorded(t *testing.T) {
	t.Parallel()

	log := &settlementLog{}
	tracker := optimistic.NewTracker(optimistic.Config{Recorder: log})
	confirmed, _, err := tracker.Begin(events.KindLike, testPostID, nil)
	if err != nil {
		t.Fatalf("begin like: %v", err)
	}
	failed, _, err := tracker.Begin(events.KindFollow, testUserID, nil)
	if err != nil {
		t.Fatalf("begin follow: %v", err)
	}
	if log.pending != 2 {
		t.Fatalf("expected two pending mutations, got %d", log.pending)
	}
	if _, err := tracker.Settle(confirmed.ID, optimistic.OutcomeSuccess); err != nil {
		t.Fatalf("settle like: %v", err)
	}
	if _, err := tracker.Settle(failed.ID, optimistic.OutcomeFailure); err != nil {
		t.Fatalf("settle follow: %v", err)
	}

	expected := []string{"LIKE " + metrics.OutcomeConfirmed, "FOLLOW " + metrics.OutcomeRolledBack}
	if diff := cmp.Diff(expected, log.outcomes); diff != "" {
		t.Fatalf("unexpected settlements (-want +got):\n%s", diff)
	}
	if log.pending != 0 {
		t.Fatalf("expected no pending mutations, got %d", log.pending)
	}
}

func TestSettleErrors(t *testing.T) {
	t.Parallel()

	tracker := optimistic.NewTracker(optimistic.Config{})
	if _, err := tracker.Settle("missing", optimistic.OutcomeSuccess); !errors.Is(err, optimistic.ErrUnknownMutation) {
		t.Fatalf("expected unknown mutation error, got %v", err)
	}
	if _, _, err := tracker.Begin(events.KindNewPost, testPostID, nil); !errors.Is(err, optimistic.ErrUnsupportedKind) {
		t.Fatalf("expected unsupported kind error, got %v", err)
	}

	mutation, _, err := tracker.Begin(events.KindFollow, testUserID, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if len(tracker.Pending(events.KindUnfollow, testUserID)) != 1 {
		t.Fatalf("expected follow and unfollow to share a chain")
	}
	if _, err := tracker.Settle(mutation.ID, optimistic.OutcomeSuccess); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := tracker.Settle(mutation.ID, optimistic.OutcomeSuccess); !errors.Is(err, optimistic.ErrUnknownMutation) {
		t.Fatalf("expected settled mutation to be discarded, got %v", err)
	}
}
