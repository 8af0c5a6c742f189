package credstore

import (
	"context"
	"testing"
)

func TestMemoryStoreGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	attrs := Attributes{Username: "alice", Server: "example.org", Protocol: "matrix"}

	if _, err := s.Get(ctx, attrs); err != ErrNotFound {
		t.Fatalf("Get on empty store: got %v, want ErrNotFound", err)
	}

	val := &Value{UserID: "@alice:example.org", Password: "hunter2", Enabled: true}
	if err := s.Set(ctx, attrs, val); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Get(ctx, attrs)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *got != *val {
		t.Fatalf("Get returned %+v, want %+v", *got, *val)
	}

	if err := s.Delete(ctx, attrs); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, attrs); err != ErrNotFound {
		t.Fatalf("Get after delete: got %v, want ErrNotFound", err)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	v := &Value{UserID: "@bob:example.org", AccessToken: "T", DeviceID: "DEV1", Enabled: true}
	raw, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if *got != *v {
		t.Fatalf("round trip mismatch: got %+v, want %+v", *got, *v)
	}
}
