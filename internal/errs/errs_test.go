package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"auth", fmt.Errorf("remote: login: %w", ErrAuthentication), KindAuthentication},
		{"unavailable", fmt.Errorf("directory: fetch: %w", ErrDirectoryUnavailable), KindDirectoryUnavailable},
		{"unauthorized after retry", fmt.Errorf("session: retry: %w", ErrUnauthorized), KindDirectoryUnavailable},
		{"timeout", fmt.Errorf("remote: %w", context.DeadlineExceeded), KindDirectoryUnavailable},
		{"not found", fmt.Errorf("directory: %w", ErrBuildingNotFound), KindBuildingNotFound},
		{"not found wins", errors.Join(ErrDirectoryUnavailable, ErrBuildingNotFound), KindBuildingNotFound},
		{"canceled", context.Canceled, KindCanceled},
		{"other", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindMessage_NoDetailLeak(t *testing.T) {
	t.Parallel()
	for _, k := range []Kind{KindAuthentication, KindDirectoryUnavailable, KindBuildingNotFound, KindInternal} {
		if k.Message() == "" {
			t.Errorf("Kind %q has empty message", k)
		}
	}
	if KindBuildingNotFound.Message() == KindDirectoryUnavailable.Message() {
		t.Error("not-found and unavailable must have distinguishable messages")
	}
}
