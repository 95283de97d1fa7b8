package secrets

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box := NewRandomBox()
	bundle := map[string]any{
		"access_token":  "tok-123",
		"refresh_token": "ref-456",
	}
	blob, err := box.Seal(bundle)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(blob, "tok-123") {
		t.Error("plaintext token leaked into blob")
	}
	got, err := box.Open(blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got["access_token"] != "tok-123" {
		t.Errorf("access_token = %v", got["access_token"])
	}
}

func TestOpenRejectsTamperedBlob(t *testing.T) {
	box := NewRandomBox()
	blob, err := box.Seal(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(blob)
	raw[len(raw)-1] ^= 0xff
	if _, err := box.Open(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Fatal("tampered blob opened without error")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	blob, err := NewRandomBox().Seal(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := NewRandomBox().Open(blob); err == nil {
		t.Fatal("blob opened under a different key")
	}
}

func TestNewBoxValidatesKey(t *testing.T) {
	if _, err := NewBox(""); err == nil {
		t.Error("empty key accepted")
	}
	if _, err := NewBox("not-base64!!"); err == nil {
		t.Error("invalid base64 accepted")
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := NewBox(short); err == nil {
		t.Error("short key accepted")
	}
}
