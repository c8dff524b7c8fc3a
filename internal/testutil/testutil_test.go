package testutil

import (
	"errors"
	"net/http"
	"testing"
)

func TestAssertStatusCodePasses(t *testing.T) {
	AssertStatusCode(t, http.StatusOK, http.StatusOK)
}

func TestAssertStatusCodeFailure(t *testing.T) {
	mock := &testing.T{}
	AssertStatusCode(mock, http.StatusNotFound, http.StatusOK)
	if !mock.Failed() {
		t.Fatal("mismatched status codes did not fail the test")
	}
}

func TestAssertNoErrorPasses(t *testing.T) {
	AssertNoError(t, nil)
}

func TestAssertNoErrorFailure(t *testing.T) {
	mock := &testing.T{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Fatalf stops the goroutine via runtime.Goexit.
		AssertNoError(mock, errors.New("boom"))
	}()
	<-done
	if !mock.Failed() {
		t.Fatal("error did not fail the test")
	}
}
