// Package testutil holds small helpers shared by package tests.
package testutil

import (
	"testing"
	"time"
)

// DefaultTimeout bounds helper waits.
const DefaultTimeout = 2 * time.Second

// RequireReceive waits for a value on ch or fails the test.
func RequireReceive[T any](t testing.TB, ch <-chan T, msg string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(DefaultTimeout):
		t.Fatalf("timed out waiting for %s", msg)
	}
	var zero T
	return zero
}

// RequireClosed waits for ch to be closed or fails the test.
func RequireClosed[T any](t testing.TB, ch <-chan T, msg string) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("%s: received a value, want closed channel", msg)
		}
	case <-time.After(DefaultTimeout):
		t.Fatalf("timed out waiting for %s", msg)
	}
}

// Eventually polls cond until it reports true or fails the test.
func Eventually(t testing.TB, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never met: %s", msg)
}
