package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeNameRejectsEmpty(t *testing.T) {
	if _, err := DecodeName([]byte(`{"name":"  "}`)); !errors.Is(err, ErrMissingName) {
		t.Fatalf("expected ErrMissingName, got %v", err)
	}
	req, err := DecodeName([]byte(`{"name":"echo"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Name != "echo" {
		t.Fatalf("unexpected name: %q", req.Name)
	}
}

func TestDecodeNameRejectsTrailingData(t *testing.T) {
	for _, raw := range []string{`{"name":"x"}}`, `{"name":"x"} 1`, `{"name":"x"}]`} {
		if _, err := DecodeName([]byte(raw)); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("payload %q: expected ErrInvalidPayload, got %v", raw, err)
		}
	}
	if _, err := DecodeName([]byte("{\"name\":\"x\"} \n\t")); err != nil {
		t.Fatalf("trailing whitespace rejected: %v", err)
	}
}

func TestDecodeCallMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(`{`),
		[]byte(`{"sig":1,"func":"f"} trailing`),
		[]byte(`{"sig":1,"func":"f"}}`),
		[]byte(`{"sig":1,"func":"f"}]`),
		[]byte(`{"sig":1,"func":"f"} {}`),
		[]byte(`{"sig":"nope","func":"f"}`),
	}
	for _, raw := range cases {
		if _, err := DecodeCall(raw); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("payload %q: expected ErrInvalidPayload, got %v", raw, err)
		}
	}
	if _, err := DecodeCall([]byte(`{"sig":1}`)); !errors.Is(err, ErrMissingFunc) {
		t.Fatalf("expected ErrMissingFunc, got %v", err)
	}
}

func TestDecodeCallKeepsLargeHandle(t *testing.T) {
	sig := uint64(0xFFFFFFFE_00000001)
	raw, err := EncodeCall(CallRequest{Sig: sig, Func: "ping", Args: json.RawMessage(`[]`)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	req, err := DecodeCall(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Sig != sig {
		t.Fatalf("handle mismatch: %x", req.Sig)
	}
}

func TestDecodeChain(t *testing.T) {
	if _, err := DecodeChain([]byte(`{"sig_func_args_table":[]}`)); !errors.Is(err, ErrEmptyChain) {
		t.Fatalf("expected ErrEmptyChain, got %v", err)
	}
	req, err := DecodeChain([]byte(`{"sig_func_args_table":[{"sig":1,"func":"a"},{"sig":1,"func":"b","args":["restype_1_a"]}]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(req.Steps) != 2 || req.Steps[1].Func != "b" {
		t.Fatalf("unexpected steps: %+v", req.Steps)
	}
}

func TestResultRef(t *testing.T) {
	ref := ResultRef(18446744073709551615, "read_file")
	if ref != "restype_18446744073709551615_read_file" {
		t.Fatalf("unexpected ref %q", ref)
	}
	sig, fn, ok := ParseResultRef(ref)
	if !ok || sig != 18446744073709551615 || fn != "read_file" {
		t.Fatalf("parse: sig=%d fn=%q ok=%v", sig, fn, ok)
	}
	for _, bad := range []string{"restype_", "restype_12", "restype_x_f", "result_1_f", "restype__f"} {
		if _, _, ok := ParseResultRef(bad); ok {
			t.Fatalf("ref %q accepted", bad)
		}
	}
}
