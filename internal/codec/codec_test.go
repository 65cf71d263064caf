package codec

import "testing"

func TestPackUnpackArgsRoundTrip(t *testing.T) {
	b, err := Pack(int64(1), int64(2))
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	args, err := UnpackArgs(b)
	if err != nil {
		t.Fatalf("UnpackArgs: %v", err)
	}
	if len(args) != 2 {
		t.Fatalf("got %d args, want 2", len(args))
	}
}

func TestEncodeDecodeOKReply(t *testing.T) {
	b, err := EncodeOK(int64(3))
	if err != nil {
		t.Fatalf("EncodeOK: %v", err)
	}
	code, value, err := DecodeReply(b)
	if err != nil {
		t.Fatalf("DecodeReply: %v", err)
	}
	if code != CodeOK {
		t.Fatalf("code = %v, want CodeOK", code)
	}
	n, ok := value.(int64)
	if !ok || n != 3 {
		t.Fatalf("value = %#v, want int64(3)", value)
	}
}

func TestEncodeDecodeFailReply(t *testing.T) {
	b, err := EncodeFail("boom")
	if err != nil {
		t.Fatalf("EncodeFail: %v", err)
	}
	code, value, err := DecodeReply(b)
	if err != nil {
		t.Fatalf("DecodeReply: %v", err)
	}
	if code != CodeFail {
		t.Fatalf("code = %v, want CodeFail", code)
	}
	if value != "boom" {
		t.Fatalf("value = %#v, want %q", value, "boom")
	}
}

func TestUnpackFailureWrapsUnpackFailed(t *testing.T) {
	_, err := UnpackArgs([]byte{0xff, 0xff, 0xff})
	if err == nil {
		t.Fatal("expected error unpacking garbage")
	}
}
