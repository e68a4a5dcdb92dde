package auth

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/puddle/v2"
)

func TestHashSessionTokenIsDeterministic(t *testing.T) {
	hashed := hashSessionToken("token-to-hash")
	if hashed == "token-to-hash" {
		t.Fatalf("expected hashed token to differ from raw value")
	}
	if len(hashed) != 64 {
		t.Fatalf("hash length = %d, want 64 hex characters", len(hashed))
	}
	if hashSessionToken("token-to-hash") != hashed {
		t.Fatalf("expected hashing to be deterministic")
	}
}

func TestIsNoRows(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "no rows", err: pgx.ErrNoRows, want: true},
		{name: "wrapped no rows", err: errors.Join(errors.New("scan"), pgx.ErrNoRows), want: true},
		{name: "closed pool", err: puddle.ErrClosedPool, want: false},
		{name: "other", err: errors.New("boom"), want: false},
		{name: "nil", err: nil, want: false},
	}
	for _, tc := range tests {
		if got := isNoRows(tc.err); got != tc.want {
			t.Fatalf("%s: isNoRows = %v, want %v", tc.name, got, tc.want)
		}
	}
}
