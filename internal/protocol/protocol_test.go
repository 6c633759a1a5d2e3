package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEncodeFullRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		seq     int32
	}{
		{
			name: "session configuration",
			payload: map[string]any{
				"user": map[string]any{"uid": "voice_input_user"},
				"audio": map[string]any{
					"format": "pcm", "rate": float64(16000),
					"bits": float64(16), "channel": float64(1),
				},
			},
			seq: 1,
		},
		{
			name:    "empty payload",
			payload: map[string]any{},
			seq:     42,
		},
		{
			name:    "large sequence",
			payload: map[string]any{"key": "value"},
			seq:     1 << 30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeFullRequest(tt.payload, tt.seq)
			if err != nil {
				t.Fatalf("EncodeFullRequest failed: %v", err)
			}

			decoded, err := DecodeClientFrame(frame)
			if err != nil {
				t.Fatalf("DecodeClientFrame failed: %v", err)
			}

			if decoded.Type != TypeFullRequest {
				t.Errorf("Expected type %#04b, got %#04b", TypeFullRequest, decoded.Type)
			}
			if decoded.Seq != tt.seq {
				t.Errorf("Expected seq %d, got %d", tt.seq, decoded.Seq)
			}
			if decoded.IsLast {
				t.Error("Full request must not carry the terminal flag")
			}

			// Payload must survive the compress/decompress round trip.
			var got map[string]any
			if err := json.Unmarshal(decoded.Payload, &got); err != nil {
				t.Fatalf("Payload is not valid JSON: %v", err)
			}
			if len(got) != len(tt.payload) {
				t.Errorf("Expected %d payload keys, got %d", len(tt.payload), len(got))
			}
		})
	}
}

func TestEncodeAudioChunkTerminalMarker(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x12, 0x34}, 320)

	tests := []struct {
		name        string
		pcm         []byte
		seq         int32
		last        bool
		expectSeq   int32
		expectLast  bool
		expectEmpty bool
	}{
		{name: "regular chunk", pcm: pcm, seq: 5, last: false, expectSeq: 5},
		{name: "terminal marker negates sequence", pcm: nil, seq: 7, last: true, expectSeq: -7, expectLast: true, expectEmpty: true},
		{name: "terminal with payload", pcm: pcm, seq: 9, last: true, expectSeq: -9, expectLast: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := EncodeAudioChunk(tt.pcm, tt.seq, tt.last)

			decoded, err := DecodeClientFrame(frame)
			if err != nil {
				t.Fatalf("DecodeClientFrame failed: %v", err)
			}

			if decoded.Type != TypeAudioOnly {
				t.Errorf("Expected type %#04b, got %#04b", TypeAudioOnly, decoded.Type)
			}
			if decoded.Seq != tt.expectSeq {
				t.Errorf("Expected seq %d, got %d", tt.expectSeq, decoded.Seq)
			}
			if decoded.IsLast != tt.expectLast {
				t.Errorf("Expected IsLast=%v, got %v", tt.expectLast, decoded.IsLast)
			}
			if tt.expectEmpty && len(decoded.Payload) != 0 {
				t.Errorf("Expected empty payload, got %d bytes", len(decoded.Payload))
			}
			if !tt.expectEmpty && !bytes.Equal(decoded.Payload, tt.pcm) {
				t.Error("Payload does not match the encoded PCM data")
			}
		})
	}
}

func TestDecodeServerFrameResults(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		seq         int32
		final       bool
	}{
		{name: "partial result", text: "hello wor", seq: 3, final: false},
		{name: "final result", text: "hello world", seq: 4, final: true},
		{name: "empty transcript", text: "", seq: 1, final: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeServerResponse(tt.text, tt.seq, tt.final)
			if err != nil {
				t.Fatalf("EncodeServerResponse failed: %v", err)
			}

			msg, err := DecodeServerFrame(frame)
			if err != nil {
				t.Fatalf("DecodeServerFrame failed: %v", err)
			}

			if msg.Kind != KindResult {
				t.Fatalf("Expected KindResult, got %v", msg.Kind)
			}
			if msg.Text != tt.text {
				t.Errorf("Expected text %q, got %q", tt.text, msg.Text)
			}
			if msg.IsFinal != tt.final {
				t.Errorf("Expected IsFinal=%v, got %v", tt.final, msg.IsFinal)
			}
			if !msg.HasSeq || msg.Seq != tt.seq {
				t.Errorf("Expected seq %d present, got %d (present=%v)", tt.seq, msg.Seq, msg.HasSeq)
			}
		})
	}
}

func TestDecodeServerFrameLegacyListPayload(t *testing.T) {
	// Older service versions returned the result as an ordered list of
	// objects whose text fields are concatenated.
	raw := []byte(`{"result":[{"text":"hello "},{"text":"streaming "},{"text":"world"}]}`)
	compressed := gzipBytes(raw)

	frame := bytes.NewBuffer(buildHeader(TypeFullResponse, FlagNoSequence, SerializationJSON, CompressionGzip))
	binary.Write(frame, binary.BigEndian, uint32(len(compressed)))
	frame.Write(compressed)

	msg, err := DecodeServerFrame(frame.Bytes())
	if err != nil {
		t.Fatalf("DecodeServerFrame failed: %v", err)
	}

	if msg.Kind != KindResult {
		t.Fatalf("Expected KindResult, got %v", msg.Kind)
	}
	if msg.Text != "hello streaming world" {
		t.Errorf("Expected concatenated text, got %q", msg.Text)
	}
	if msg.HasSeq {
		t.Error("Frame without sequence flag must not report a sequence")
	}
}

func TestDecodeServerFrameAck(t *testing.T) {
	msg, err := DecodeServerFrame(EncodeAck(12))
	if err != nil {
		t.Fatalf("DecodeServerFrame failed: %v", err)
	}

	if msg.Kind != KindAck {
		t.Errorf("Expected KindAck, got %v", msg.Kind)
	}
	if !msg.HasSeq || msg.Seq != 12 {
		t.Errorf("Expected seq 12, got %d (present=%v)", msg.Seq, msg.HasSeq)
	}
}

func TestDecodeServerFrameError(t *testing.T) {
	frame, err := EncodeServerError(45000001, "audio format not supported")
	if err != nil {
		t.Fatalf("EncodeServerError failed: %v", err)
	}

	msg, err := DecodeServerFrame(frame)
	if err != nil {
		t.Fatalf("DecodeServerFrame failed: %v", err)
	}

	if msg.Kind != KindError {
		t.Fatalf("Expected KindError, got %v", msg.Kind)
	}
	if msg.ErrorCode != 45000001 {
		t.Errorf("Expected error code 45000001, got %d", msg.ErrorCode)
	}
	if !strings.Contains(msg.ErrorDetail, "audio format not supported") {
		t.Errorf("Expected detail to carry the message, got %q", msg.ErrorDetail)
	}
}

func TestDecodeServerFrameMalformed(t *testing.T) {
	validResult, err := EncodeServerResponse("ok", 1, false)
	if err != nil {
		t.Fatalf("EncodeServerResponse failed: %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty frame", data: []byte{}},
		{name: "three bytes", data: []byte{0x11, 0x91, 0x11}},
		{
			name: "header size past frame end",
			data: []byte{0x1F, 0x91, 0x11, 0x00},
		},
		{
			name: "sequence flag without sequence bytes",
			data: buildHeader(TypeFullResponse, FlagPosSequence, SerializationJSON, CompressionGzip),
		},
		{
			name: "declared payload size exceeds buffer",
			data: append(append(buildHeader(TypeFullResponse, FlagNoSequence, SerializationJSON, CompressionGzip),
				0xFF, 0xFF, 0xFF, 0xFF), 0x01, 0x02),
		},
		{
			name: "truncated result",
			data: validResult[:len(validResult)-3],
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeServerFrame(tt.data)
			if err == nil {
				t.Fatal("Expected error for malformed frame")
			}
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Expected ErrMalformedFrame, got %v", err)
			}
		})
	}
}

func TestDecodeServerFrameCorruptPayload(t *testing.T) {
	// Structurally valid frame whose compressed payload is garbage.
	garbage := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	frame := bytes.NewBuffer(buildHeader(TypeFullResponse, FlagNoSequence, SerializationJSON, CompressionGzip))
	binary.Write(frame, binary.BigEndian, uint32(len(garbage)))
	frame.Write(garbage)

	_, err := DecodeServerFrame(frame.Bytes())
	if err == nil {
		t.Fatal("Expected error for corrupt payload")
	}
	if !errors.Is(err, ErrDecoding) {
		t.Errorf("Expected ErrDecoding, got %v", err)
	}
}

func TestEncodeFullRequestUnserializable(t *testing.T) {
	_, err := EncodeFullRequest(map[string]any{"bad": make(chan int)}, 1)
	if err == nil {
		t.Fatal("Expected error for unserializable payload")
	}
	if !errors.Is(err, ErrEncoding) {
		t.Errorf("Expected ErrEncoding, got %v", err)
	}
}
