package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Protocol constants
const (
	ProtocolVersion = 0b0001
	HeaderWords     = 0b0001 // header length in 4-byte words

	// Message types
	TypeFullRequest  = 0b0001 // client -> server: session configuration
	TypeAudioOnly    = 0b0010 // client -> server: audio chunk
	TypeFullResponse = 0b1001 // server -> client: recognition result
	TypeAck          = 0b1011 // server -> client: acknowledgement
	TypeError        = 0b1111 // server -> client: error report

	// Message flags
	FlagNoSequence      = 0b0000
	FlagPosSequence     = 0b0001 // 4-byte signed sequence number follows the header
	FlagNegSequence     = 0b0010 // terminal marker
	FlagNegWithSequence = 0b0011 // terminal marker with negated sequence number

	// Serialization kinds
	SerializationNone = 0b0000
	SerializationJSON = 0b0001

	// Compression kinds
	CompressionNone = 0b0000
	CompressionGzip = 0b0001

	// HeaderSize is the fixed size of the frame header in bytes.
	HeaderSize = 4
)

// Sentinel errors for the codec failure modes. Callers match them with
// errors.Is after unwrapping the contextual message.
var (
	// ErrEncoding indicates the payload could not be serialized.
	ErrEncoding = errors.New("payload encoding failed")

	// ErrMalformedFrame indicates a frame too short to parse or one whose
	// declared lengths exceed the available bytes.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrDecoding indicates decompression or payload parsing failed on a
	// structurally valid frame.
	ErrDecoding = errors.New("frame decoding failed")
)

// MessageKind identifies the decoded server frame variant.
type MessageKind int

const (
	KindResult MessageKind = iota
	KindAck
	KindError
	KindUnknown
)

// Message is a decoded server frame.
type Message struct {
	Kind MessageKind

	// Seq is the sequence number carried by the frame, if any.
	Seq    int32
	HasSeq bool

	// IsFinal reports whether the terminal flag was set. For result frames
	// this marks the final, authoritative transcript.
	IsFinal bool

	// Text is the transcript carried by a result frame.
	Text string

	// ErrorCode and ErrorDetail are populated for error frames.
	ErrorCode   int32
	ErrorDetail string
}

// ClientFrame is a decoded client frame, used by the mock server and tests.
type ClientFrame struct {
	Type    byte
	Seq     int32
	IsLast  bool
	Payload []byte // decompressed payload bytes
}

// buildHeader assembles the 4-byte frame header.
// Byte 0: version<<4 | header words. Byte 1: message type<<4 | flags.
// Byte 2: serialization<<4 | compression. Byte 3: reserved.
func buildHeader(messageType, flags, serialization, compression byte) []byte {
	return []byte{
		ProtocolVersion<<4 | HeaderWords,
		messageType<<4 | flags,
		serialization<<4 | compression,
		0x00,
	}
}

// EncodeFullRequest builds a full-request frame carrying a JSON payload.
// The payload is serialized, gzip-compressed and framed with the given
// positive sequence number.
func EncodeFullRequest(payload any, seq int32) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}

	compressed := gzipBytes(raw)

	frame := bytes.NewBuffer(buildHeader(TypeFullRequest, FlagPosSequence, SerializationJSON, CompressionGzip))
	binary.Write(frame, binary.BigEndian, seq)
	binary.Write(frame, binary.BigEndian, uint32(len(compressed)))
	frame.Write(compressed)

	return frame.Bytes(), nil
}

// EncodeAudioChunk builds an audio-only frame. When last is true, the sequence
// number is negated and the frame carries the terminal flag; this is the wire
// signal that no more audio follows. A terminal frame usually carries an empty
// payload.
func EncodeAudioChunk(pcm []byte, seq int32, last bool) []byte {
	flags := byte(FlagPosSequence)
	if last {
		flags = FlagNegWithSequence
		seq = -seq
	}

	compressed := gzipBytes(pcm)

	frame := bytes.NewBuffer(buildHeader(TypeAudioOnly, flags, SerializationJSON, CompressionGzip))
	binary.Write(frame, binary.BigEndian, seq)
	binary.Write(frame, binary.BigEndian, uint32(len(compressed)))
	frame.Write(compressed)

	return frame.Bytes()
}

// DecodeServerFrame parses one server frame. The header fully determines how
// the remainder is interpreted; there is no look-ahead.
func DecodeServerFrame(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(data), HeaderSize)
	}

	headerBytes := int(data[0]&0x0F) * 4
	msgType := data[1] >> 4
	flags := data[1] & 0x0F
	serialization := data[2] >> 4
	compression := data[2] & 0x0F

	if headerBytes < HeaderSize || headerBytes > len(data) {
		return nil, fmt.Errorf("%w: declared header size %d exceeds frame of %d bytes",
			ErrMalformedFrame, headerBytes, len(data))
	}
	payload := data[headerBytes:]

	msg := &Message{}

	if flags&0x01 != 0 {
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: sequence flag set but only %d payload bytes", ErrMalformedFrame, len(payload))
		}
		msg.Seq = int32(binary.BigEndian.Uint32(payload[:4]))
		msg.HasSeq = true
		payload = payload[4:]
	}
	if flags&0x02 != 0 {
		msg.IsFinal = true
	}

	switch msgType {
	case TypeFullResponse:
		body, err := readLengthPrefixed(payload)
		if err != nil {
			return nil, err
		}
		body, err = maybeGunzip(body, compression)
		if err != nil {
			return nil, err
		}
		if serialization == SerializationJSON {
			text, err := parseResultText(body)
			if err != nil {
				return nil, err
			}
			msg.Text = text
		}
		msg.Kind = KindResult

	case TypeAck:
		msg.Kind = KindAck

	case TypeError:
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: error frame with %d payload bytes", ErrMalformedFrame, len(payload))
		}
		msg.ErrorCode = int32(binary.BigEndian.Uint32(payload[:4]))
		body, err := readLengthPrefixed(payload[4:])
		if err != nil {
			return nil, err
		}
		body, err = maybeGunzip(body, compression)
		if err != nil {
			return nil, err
		}
		msg.ErrorDetail = string(body)
		msg.Kind = KindError

	default:
		msg.Kind = KindUnknown
	}

	return msg, nil
}

// DecodeClientFrame parses one client frame (full request or audio chunk) and
// decompresses its payload. Used by the mock server and round-trip tests.
func DecodeClientFrame(data []byte) (*ClientFrame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(data), HeaderSize)
	}

	headerBytes := int(data[0]&0x0F) * 4
	msgType := data[1] >> 4
	flags := data[1] & 0x0F
	compression := data[2] & 0x0F

	if headerBytes < HeaderSize || headerBytes > len(data) {
		return nil, fmt.Errorf("%w: declared header size %d exceeds frame of %d bytes",
			ErrMalformedFrame, headerBytes, len(data))
	}
	payload := data[headerBytes:]

	frame := &ClientFrame{Type: msgType}

	if flags&0x01 != 0 {
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: sequence flag set but only %d payload bytes", ErrMalformedFrame, len(payload))
		}
		frame.Seq = int32(binary.BigEndian.Uint32(payload[:4]))
		payload = payload[4:]
	}
	if flags&0x02 != 0 {
		frame.IsLast = true
	}

	body, err := readLengthPrefixed(payload)
	if err != nil {
		return nil, err
	}
	frame.Payload, err = maybeGunzip(body, compression)
	if err != nil {
		return nil, err
	}

	return frame, nil
}

// EncodeServerResponse builds a full-response frame carrying a transcript.
// Mirrors the service side of the protocol; used by the mock server.
func EncodeServerResponse(text string, seq int32, final bool) ([]byte, error) {
	payload := map[string]any{"result": map[string]string{"text": text}}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	compressed := gzipBytes(raw)

	flags := byte(FlagPosSequence)
	if final {
		flags |= FlagNegSequence
	}

	frame := bytes.NewBuffer(buildHeader(TypeFullResponse, flags, SerializationJSON, CompressionGzip))
	binary.Write(frame, binary.BigEndian, seq)
	binary.Write(frame, binary.BigEndian, uint32(len(compressed)))
	frame.Write(compressed)

	return frame.Bytes(), nil
}

// EncodeAck builds an acknowledgement frame with no payload.
func EncodeAck(seq int32) []byte {
	frame := bytes.NewBuffer(buildHeader(TypeAck, FlagPosSequence, SerializationJSON, CompressionNone))
	binary.Write(frame, binary.BigEndian, seq)
	return frame.Bytes()
}

// EncodeServerError builds an error frame with a signed code and a JSON detail
// payload.
func EncodeServerError(code int32, detail string) ([]byte, error) {
	raw, err := json.Marshal(map[string]string{"message": detail})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	compressed := gzipBytes(raw)

	frame := bytes.NewBuffer(buildHeader(TypeError, FlagNoSequence, SerializationJSON, CompressionGzip))
	binary.Write(frame, binary.BigEndian, code)
	binary.Write(frame, binary.BigEndian, uint32(len(compressed)))
	frame.Write(compressed)

	return frame.Bytes(), nil
}

// parseResultText extracts the transcript from a result payload. Two payload
// shapes are in the wild: an object {"result": {"text": "..."}} and the older
// list form {"result": [{"text": "..."}, ...]} whose parts are concatenated
// in order.
func parseResultText(body []byte) (string, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("%w: result payload: %v", ErrDecoding, err)
	}
	if len(envelope.Result) == 0 {
		return "", nil
	}

	var single struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(envelope.Result, &single); err == nil {
		return single.Text, nil
	}

	var list []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(envelope.Result, &list); err != nil {
		return "", fmt.Errorf("%w: unrecognized result payload shape: %v", ErrDecoding, err)
	}

	var buf bytes.Buffer
	for _, item := range list {
		buf.WriteString(item.Text)
	}
	return buf.String(), nil
}

// readLengthPrefixed reads a 4-byte big-endian length followed by that many
// payload bytes.
func readLengthPrefixed(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: need 4-byte length prefix, have %d bytes", ErrMalformedFrame, len(data))
	}
	size := binary.BigEndian.Uint32(data[:4])
	if uint64(size) > uint64(len(data)-4) {
		return nil, fmt.Errorf("%w: declared payload size %d exceeds %d available bytes",
			ErrMalformedFrame, size, len(data)-4)
	}
	return data[4 : 4+size], nil
}

// maybeGunzip decompresses body according to the declared compression kind.
func maybeGunzip(body []byte, compression byte) ([]byte, error) {
	if compression != CompressionGzip {
		return body, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrDecoding, err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrDecoding, err)
	}
	return out, nil
}

// gzipBytes compresses data with gzip. Writes to an in-memory buffer cannot
// fail, so no error is returned.
func gzipBytes(data []byte) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}
