package idem

import (
	"bytes"
	"testing"
	"time"

	"github.com/ceyewan/idemgate/xerrors"
)

func TestResponseValidate(t *testing.T) {
	now := time.Now()
	valid := &Response{
		StatusCode:  201,
		Body:        []byte(`{"id":"1"}`),
		ContentType: "application/json",
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	if err := valid.validate(DefaultMaxBodySize); err != nil {
		t.Fatalf("expected valid response, got %v", err)
	}

	bad := &Response{StatusCode: 42, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := bad.validate(DefaultMaxBodySize); !xerrors.Is(err, ErrResponseInvalid) {
		t.Fatalf("expected ErrResponseInvalid for status 42, got %v", err)
	}

	oversized := &Response{
		StatusCode: 200,
		Body:       make([]byte, DefaultMaxBodySize+1),
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
	if err := oversized.validate(DefaultMaxBodySize); !xerrors.Is(err, ErrResponseInvalid) {
		t.Fatalf("expected ErrResponseInvalid for oversized body, got %v", err)
	}

	inverted := &Response{StatusCode: 200, CreatedAt: now, ExpiresAt: now.Add(-time.Hour)}
	if err := inverted.validate(DefaultMaxBodySize); !xerrors.Is(err, ErrResponseInvalid) {
		t.Fatalf("expected ErrResponseInvalid for expires before created, got %v", err)
	}
}

func TestResponseCodecRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	orig := &Response{
		StatusCode:  200,
		Body:        []byte("hello"),
		ContentType: "text/plain",
		Fingerprint: Fingerprint([]byte("payload")),
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}

	data, err := encodeResponse(orig)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := decodeResponse(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if got.StatusCode != orig.StatusCode {
		t.Fatalf("expected status %d, got %d", orig.StatusCode, got.StatusCode)
	}
	if !bytes.Equal(got.Body, orig.Body) {
		t.Fatalf("expected body %q, got %q", orig.Body, got.Body)
	}
	if got.ContentType != orig.ContentType {
		t.Fatalf("expected content type %q, got %q", orig.ContentType, got.ContentType)
	}
	if got.Fingerprint != orig.Fingerprint {
		t.Fatal("fingerprint did not survive the round trip")
	}
}

func TestDecodeResponseCorrupted(t *testing.T) {
	if _, err := decodeResponse([]byte("not msgpack")); !xerrors.Is(err, ErrResponseInvalid) {
		t.Fatalf("expected ErrResponseInvalid for corrupted payload, got %v", err)
	}
}

func TestResponseClone(t *testing.T) {
	orig := &Response{StatusCode: 200, Body: []byte("abc")}
	cp := orig.clone()
	cp.Body[0] = 'x'
	if orig.Body[0] != 'a' {
		t.Fatal("expected clone to copy the body, mutation leaked to the original")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint([]byte("payload"))
	b := Fingerprint([]byte("payload"))
	c := Fingerprint([]byte("other"))
	if a != b {
		t.Fatal("expected identical payloads to produce identical fingerprints")
	}
	if a == c {
		t.Fatal("expected different payloads to produce different fingerprints")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(a))
	}
}
