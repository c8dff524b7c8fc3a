// Package testutil carries the small assertion helpers shared by the scan
// service's test suites.
package testutil

import "testing"

// AssertStatusCode checks an HTTP status code.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test immediately when err is set.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
