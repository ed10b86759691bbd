package validator

import "testing"

func TestDecodePayload(t *testing.T) {
	decoded, err := DecodePayload("aGVsbG8=", PayloadEncodingBase64)
	if err != nil {
		t.Fatalf("decode base64 failed: %v", err)
	}
	if string(decoded) != "hello" {
		t.Fatalf("unexpected payload %q", decoded)
	}

	decodedHex, err := DecodePayload("68656c6c6f", PayloadEncodingHex)
	if err != nil {
		t.Fatalf("decode hex failed: %v", err)
	}
	if string(decodedHex) != "hello" {
		t.Fatalf("unexpected hex payload %q", decodedHex)
	}

	if text, err := DecodePayload("hello", PayloadEncodingText); err != nil || string(text) != "hello" {
		t.Fatalf("text payload: %q %v", text, err)
	}

	if _, err := DecodePayload("zzz", PayloadEncodingHex); err == nil {
		t.Fatal("expected error for invalid hex")
	}
	if _, err := DecodePayload("", PayloadEncodingBase64); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestNormalizeEncoding(t *testing.T) {
	cases := map[string]PayloadEncoding{
		"":       PayloadEncodingBase64,
		"BASE64": PayloadEncodingBase64,
		"hex":    PayloadEncodingHex,
		"utf-8":  PayloadEncodingText,
	}
	for raw, want := range cases {
		got, err := NormalizeEncoding(raw)
		if err != nil {
			t.Fatalf("normalize %q failed: %v", raw, err)
		}
		if got != want {
			t.Fatalf("normalize %q = %s, want %s", raw, got, want)
		}
	}
	if _, err := NormalizeEncoding("unknown"); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
}

func TestEncodePayloadAndIndex(t *testing.T) {
	if got := EncodePayload([]byte("hi"), PayloadEncodingHex); got != "6869" {
		t.Fatalf("hex encode = %s", got)
	}
	if got := EncodePayload([]byte("hi"), PayloadEncodingText); got != "aGk=" {
		t.Fatalf("text falls back to base64, got %s", got)
	}
	if err := ValidateIndex("deviceIndex", 4, 4); err != nil {
		t.Fatalf("upper bound should be inclusive: %v", err)
	}
	if err := ValidateIndex("deviceIndex", -1, 4); err == nil {
		t.Fatal("negative index should fail")
	}
}
