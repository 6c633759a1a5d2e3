// Package protocol implements the binary framing spoken by the streaming
// recognition service. Every frame starts with a 4-byte header carrying the
// protocol version, header size, message type, flags, and the serialization
// and compression kinds; the header alone determines how the rest of the
// frame is parsed.
package protocol
