package idem

import (
	"strings"
	"testing"

	"github.com/ceyewan/idemgate/xerrors"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{name: "simple", raw: "order-123", want: "ORDER-123"},
		{name: "surrounding whitespace", raw: "  order-123 ", want: "ORDER-123"},
		{name: "already uppercase", raw: "ORDER_123", want: "ORDER_123"},
		{name: "mixed case with underscore", raw: "Req_Abc-01", want: "REQ_ABC-01"},
		{name: "strips punctuation", raw: "order:123/x", want: "ORDER123X"},
		{name: "strips unicode", raw: "订单-123", want: "-123"},
		{name: "empty", raw: "", wantErr: ErrKeyMissing},
		{name: "whitespace only", raw: "   ", wantErr: ErrKeyMissing},
		{name: "nothing survives filtering", raw: "!!! ???", wantErr: ErrKeyInvalid},
		{name: "max length ok", raw: strings.Repeat("a", 128), want: strings.Repeat("A", 128)},
		{name: "too long", raw: strings.Repeat("a", 129), wantErr: ErrKeyInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw)
			if tt.wantErr != nil {
				if !xerrors.Is(err, tt.wantErr) {
					t.Fatalf("expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	for _, raw := range []string{"order-123", "  Mixed_Case-42 ", "a!b@c"} {
		once, err := Normalize(raw)
		if err != nil {
			t.Fatalf("normalize %q failed: %v", raw, err)
		}
		twice, err := Normalize(once)
		if err != nil {
			t.Fatalf("re-normalize %q failed: %v", once, err)
		}
		if once != twice {
			t.Fatalf("expected %q to be stable, got %q", once, twice)
		}
	}
}

func TestNormalizeLengthAppliesToRawInput(t *testing.T) {
	// 长度限制作用于清洗前的原始输入
	raw := strings.Repeat("a", 100) + strings.Repeat("!", 50)
	if _, err := Normalize(raw); !xerrors.Is(err, ErrKeyInvalid) {
		t.Fatalf("expected ErrKeyInvalid for over-length raw input, got %v", err)
	}
}

func TestNormalizeScopeSeparation(t *testing.T) {
	k1 := Key{Route: "/orders", Method: "POST", Canonical: "ABC"}
	k2 := Key{Route: "/payments", Method: "POST", Canonical: "ABC"}
	if k1.String() == k2.String() {
		t.Fatal("expected different routes to produce different storage keys")
	}
}
