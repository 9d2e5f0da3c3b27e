package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"direct", ErrModel, "model"},
		{"wrapped", fmt.Errorf("load identities: %w", ErrStoreUnavailable), "store_unavailable"},
		{"double wrapped", fmt.Errorf("verify: %w", fmt.Errorf("lookup 7: %w", ErrIdentityNotFound)), "identity_not_found"},
		{"unknown", errors.New("boom"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
