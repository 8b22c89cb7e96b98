package lib

import "testing"

func TestPayloadPool(t *testing.T) {
	pool := newPayloadPool(2, 16, false)

	el := pool.GetElement()
	p, ok := el.Data.(*Payload)
	if !ok {
		t.Fatalf("pool element holds %T", el.Data)
	}
	if len(p.Buffer()) != 16 {
		t.Fatalf("buffer length %d, want 16", len(p.Buffer()))
	}
	if err := p.Copy(make([]byte, 17)); err == nil {
		t.Fatal("Copy accepted more bytes than the buffer holds")
	}
	if err := p.Copy([]byte("abc")); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if string(p.GetSlice()) != "abc" {
		t.Fatalf("GetSlice = %q", p.GetSlice())
	}
	p.Reset()
	if len(p.GetSlice()) != 0 {
		t.Fatal("Reset kept the length")
	}
	pool.ReturnElement(el)
}

func TestNewPayloadRejectsBadParams(t *testing.T) {
	if NewPayload() != nil {
		t.Error("missing length accepted")
	}
	if NewPayload("16") != nil {
		t.Error("non-int length accepted")
	}
	if NewPayload(-1) != nil {
		t.Error("negative length accepted")
	}
}
