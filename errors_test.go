package skyvault

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorClassification(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	notFound := &KeyNotFoundError{Identifier: "k1"}
	revoked := &KeyRevokedError{Identifier: "k1", RevokedAt: now}
	expired := &KeyExpiredError{Identifier: "k1", ExpiredAt: now}

	if !IsKeyNotFound(notFound) || IsKeyNotFound(revoked) {
		t.Error("IsKeyNotFound should match only KeyNotFoundError")
	}
	if !IsKeyRevoked(revoked) || IsKeyRevoked(expired) {
		t.Error("IsKeyRevoked should match only KeyRevokedError")
	}
	if !IsKeyExpired(expired) || IsKeyExpired(notFound) {
		t.Error("IsKeyExpired should match only KeyExpiredError")
	}

	// Classification must see through wrapping.
	wrapped := fmt.Errorf("lookup failed: %w", notFound)
	if !IsKeyNotFound(wrapped) {
		t.Error("IsKeyNotFound should unwrap")
	}

	if IsKeyNotFound(nil) || IsKeyRevoked(nil) || IsKeyExpired(nil) {
		t.Error("Nil is never a classified error")
	}
}

func TestErrorMessages(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		err  error
		want []string
	}{
		{&KeyNotFoundError{Identifier: "k1"}, []string{"k1", "not found"}},
		{&KeyRevokedError{Identifier: "k1", RevokedAt: now}, []string{"k1", "revoked", "2026-02-01"}},
		{&KeyExpiredError{Identifier: "k1", ExpiredAt: now}, []string{"k1", "expired", "2026-02-01"}},
		{&CloudStorageError{Provider: "s3", Op: "store", Path: "a/b.key", Err: errors.New("timeout")},
			[]string{"s3", "store", "a/b.key", "timeout"}},
		{&KeyOperationError{Op: "sign", Algorithm: AlgorithmEC256, Err: errors.New("bad key")},
			[]string{"sign", "EC-256", "bad key"}},
	}

	for _, tc := range cases {
		msg := tc.err.Error()
		for _, fragment := range tc.want {
			if !strings.Contains(msg, fragment) {
				t.Errorf("%T message %q should contain %q", tc.err, msg, fragment)
			}
		}
	}
}

func TestErrorUnwrapping(t *testing.T) {
	cause := errors.New("disk full")

	storageErr := &CloudStorageError{Provider: "filesystem", Op: "store", Path: "p", Err: cause}
	if !errors.Is(storageErr, cause) {
		t.Error("CloudStorageError should unwrap to its cause")
	}

	opErr := &KeyOperationError{Op: "store", Algorithm: AlgorithmEC256, Err: storageErr}
	var target *CloudStorageError
	if !errors.As(opErr, &target) {
		t.Error("KeyOperationError should unwrap to the nested CloudStorageError")
	}
	if !errors.Is(opErr, cause) {
		t.Error("Nested unwrapping should reach the root cause")
	}
}
