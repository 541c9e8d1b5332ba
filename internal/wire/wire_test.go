package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	req, err := NewRequest("req-1", TypeConfigQueryRequest, ConfigQueryArgs{
		Namespace: "public", Group: "DEFAULT_GROUP", DataID: "d",
	})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := enc.Encode(req); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec := NewDecoder(&buf)
	got, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.RequestID != "req-1" || got.Metadata.Type != TypeConfigQueryRequest {
		t.Fatalf("unexpected envelope: %+v", got)
	}

	var args ConfigQueryArgs
	if err := got.Decode(&args); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if args.DataID != "d" {
		t.Fatalf("unexpected args: %+v", args)
	}
}

func TestDecoderEOFOnEmptyStream(t *testing.T) {
	dec := NewDecoder(bytes.NewReader(nil))
	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestStatusAsStatusWrapsPlainError(t *testing.T) {
	st := AsStatus(io.ErrUnexpectedEOF)
	if st.Code != CodeServerError {
		t.Fatalf("expected ServerError wrapping, got %s", st.Code)
	}
}

func TestStatusAsStatusPassesThroughStatus(t *testing.T) {
	orig := NewStatus(CodeConfigNotFound, "missing %s", "d")
	if AsStatus(orig) != orig {
		t.Fatalf("expected existing *Status to pass through unchanged")
	}
}
