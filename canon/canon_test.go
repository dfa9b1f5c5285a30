package canon

import (
	"bytes"
	"testing"
)

func TestCanonicalize_KeyOrderIrrelevant(t *testing.T) {
	a := []byte(`{"b":1,"a":2,"c":{"z":1,"y":2}}`)
	b := []byte(`{"a":2,"c":{"y":2,"z":1},"b":1}`)

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("Canonicalize(a): %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("Canonicalize(b): %v", err)
	}
	if !bytes.Equal(ca, cb) {
		t.Fatalf("permuted-key documents canonicalized differently:\n%s\n%s", ca, cb)
	}
}

func TestCanonicalize_NullAndUndefinedOmittedUniformly(t *testing.T) {
	withNull := []byte(`{"a":1,"b":null}`)
	withoutB := []byte(`{"a":1}`)

	ca, err := Canonicalize(withNull)
	if err != nil {
		t.Fatalf("Canonicalize(withNull): %v", err)
	}
	cb, err := Canonicalize(withoutB)
	if err != nil {
		t.Fatalf("Canonicalize(withoutB): %v", err)
	}
	if !bytes.Equal(ca, cb) {
		t.Fatalf("null field and absent field canonicalized differently:\n%s\n%s", ca, cb)
	}
}

func TestCanonicalize_NestedArraysPreserveOrder(t *testing.T) {
	raw := []byte(`{"items":[3,1,2]}`)
	got, err := Canonicalize(raw)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"items":[3,1,2]}`
	if string(got) != want {
		t.Fatalf("Canonicalize = %s, want %s (array order must be preserved, only object keys sort)", got, want)
	}
}

func TestBytes_StructMarshalsThenCanonicalizes(t *testing.T) {
	type payload struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	got, err := Bytes(payload{B: 1, A: 2})
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	want := `{"a":2,"b":1}`
	if string(got) != want {
		t.Fatalf("Bytes = %s, want %s", got, want)
	}
}
