package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"listsync/backend"
	"listsync/internal/breaker"
	"listsync/internal/operation"
	"listsync/internal/testutil"
)

var cred = backend.Credential{OwnerID: 42, Token: "token-42"}

func clearReq() backend.Request {
	return backend.Request{
		Type:     operation.ClearCollectionType,
		OwnerID:  42,
		TargetID: operation.Int64(7),
		Payload:  operation.ClearCollection{},
	}
}

// =============================================================================
// Circuit Breaker Tests
// =============================================================================

func TestClosedPassesThrough(t *testing.T) {
	remote := testutil.NewFakeRemote()
	remote.Seed(backend.Collection{ID: 7, OwnerID: 42, Name: "Watch"})
	cb := breaker.New(remote, breaker.Config{ConsecutiveFailures: 2})

	if _, err := cb.Execute(context.Background(), clearReq(), cred); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if cb.State() != "closed" {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestOpensAfterRetryableFailures(t *testing.T) {
	remote := testutil.NewFakeRemote()
	remote.FailNext(
		backend.NewError(backend.KindServer, "503"),
		backend.NewError(backend.KindNetwork, "refused"),
	)

	var transitions []string
	cb := breaker.New(remote, breaker.Config{
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Hour,
		OnStateChange:       func(from, to string) { transitions = append(transitions, from+"->"+to) },
	})

	for i := 0; i < 2; i++ {
		_, _ = cb.Execute(context.Background(), clearReq(), cred)
	}
	if !cb.Open() {
		t.Fatalf("expected open breaker, got %s", cb.State())
	}
	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("unexpected transitions %v", transitions)
	}

	calls := remote.ExecuteCalls()
	_, err := cb.Execute(context.Background(), clearReq(), cred)
	if backend.KindOf(err) != backend.KindNetwork {
		t.Errorf("expected network_error while open, got %v", err)
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState to be wrapped, got %v", err)
	}
	if remote.ExecuteCalls() != calls {
		t.Error("expected no remote call while open")
	}

	if _, err := cb.FetchCollection(context.Background(), 7, cred); backend.KindOf(err) != backend.KindNetwork {
		t.Errorf("expected reads to be rejected too, got %v", err)
	}
}

func TestNonRetryableErrorsDoNotTrip(t *testing.T) {
	remote := testutil.NewFakeRemote()
	cb := breaker.New(remote, breaker.Config{ConsecutiveFailures: 2})

	// Collection 7 does not exist, so every call is not_found.
	for i := 0; i < 5; i++ {
		_, err := cb.Execute(context.Background(), clearReq(), cred)
		if backend.KindOf(err) != backend.KindNotFound {
			t.Fatalf("expected not_found, got %v", err)
		}
	}
	if cb.Open() {
		t.Error("expected breaker to stay closed on non-retryable errors")
	}
}

func TestHalfOpenProbeCloses(t *testing.T) {
	remote := testutil.NewFakeRemote()
	remote.Seed(backend.Collection{ID: 7, OwnerID: 42})
	remote.FailNext(backend.NewError(backend.KindTimeout, "slow"))
	cb := breaker.New(remote, breaker.Config{ConsecutiveFailures: 1, OpenTimeout: 10 * time.Millisecond})

	_, _ = cb.Execute(context.Background(), clearReq(), cred)
	if !cb.Open() {
		t.Fatal("expected open breaker")
	}

	time.Sleep(30 * time.Millisecond)
	if _, err := cb.Execute(context.Background(), clearReq(), cred); err != nil {
		t.Fatalf("expected probe to succeed, got %v", err)
	}
	if cb.State() != "closed" {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}
