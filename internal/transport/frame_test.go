package transport

import "testing"

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello world, in bytes \x00\x01\xff")

	original := Frame{
		Type:         FrameTCPData,
		TransportID:  "G_P1",
		ConnectionID: "conn-1",
		TargetPort:   25565,
		Protocol:     "minecraft",
		Data:         payload,
	}

	encoded, err := EncodeFrame(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if string(decoded.Data) != string(payload) {
		t.Fatalf("payload mismatch: got %q want %q", decoded.Data, payload)
	}
	if decoded.Type != original.Type || decoded.ConnectionID != original.ConnectionID ||
		decoded.TargetPort != original.TargetPort || decoded.Protocol != original.Protocol {
		t.Fatalf("frame fields mismatch: got %+v want %+v", decoded, original)
	}
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	original := Frame{Type: FrameTCPClose, TransportID: "G_P1", ConnectionID: "conn-1"}

	encoded, err := EncodeFrame(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Data) != 0 {
		t.Fatalf("expected empty payload, got %v", decoded.Data)
	}
}
