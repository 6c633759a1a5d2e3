package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/mewamew/voice-input/internal/protocol"
)

// Mock streaming recognition server for local development. It speaks the
// same binary framing as the real service: validates the opening full
// request, acks audio frames, emits a partial transcript every few chunks
// and a final transcript when the terminal marker arrives.

var (
	listenAddr     = flag.String("addr", "127.0.0.1:9090", "Listen address")
	partialEvery   = flag.Int("partial-every", 5, "Emit a partial after this many audio frames")
	finalDelayMs   = flag.Int("final-delay", 300, "Delay before the final transcript in milliseconds")
	simulateError  = flag.Bool("error", false, "Reply to the first audio frame with an error frame")
	transcriptBase = flag.String("text", "the quick brown fox jumps over the lazy dog", "Transcript to emit")
)

func main() {
	flag.Parse()

	http.HandleFunc("/api/v2/asr", handleStream)

	log.Printf("🎙️  Mock ASR server listening on ws://%s/api/v2/asr", *listenAddr)
	log.Printf("    partial every %d frames, final after %dms", *partialEvery, *finalDelayMs)
	if *simulateError {
		log.Printf("    ⚠️  error mode: first audio frame gets an error reply")
	}

	if err := http.ListenAndServe(*listenAddr, nil); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("❌ Accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "handler exited")

	reqID := r.Header.Get("X-Api-Request-Id")
	log.Printf("🔌 Connection opened, request_id=%s", reqID)

	ctx := r.Context()

	// First frame must be the full request with the audio configuration.
	if err := awaitHandshake(ctx, conn); err != nil {
		log.Printf("❌ Handshake failed: %v", err)
		sendError(ctx, conn, 45000002, err.Error())
		return
	}

	resp, err := protocol.EncodeServerResponse("", 1, false)
	if err != nil {
		log.Printf("❌ Encode handshake response: %v", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageBinary, resp); err != nil {
		log.Printf("❌ Write handshake response: %v", err)
		return
	}
	log.Printf("🤝 Handshake complete")

	audioFrames := 0
	audioBytes := 0
	seq := int32(1)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Printf("🔌 Connection closed: %v", err)
			return
		}

		frame, err := protocol.DecodeClientFrame(data)
		if err != nil {
			log.Printf("❌ Bad client frame: %v", err)
			sendError(ctx, conn, 45000001, "malformed frame")
			return
		}
		if frame.Type != protocol.TypeAudioOnly {
			log.Printf("❌ Unexpected frame type %d mid-stream", frame.Type)
			sendError(ctx, conn, 45000001, "unexpected frame type")
			return
		}

		if *simulateError {
			sendError(ctx, conn, 55000001, "simulated service failure")
			return
		}

		if frame.IsLast {
			log.Printf("🏁 Terminal marker (seq %d) after %d frames, %d bytes",
				frame.Seq, audioFrames, audioBytes)
			time.Sleep(time.Duration(*finalDelayMs) * time.Millisecond)

			seq++
			final, err := protocol.EncodeServerResponse(*transcriptBase+".", seq, true)
			if err != nil {
				log.Printf("❌ Encode final: %v", err)
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, final); err != nil {
				log.Printf("❌ Write final: %v", err)
			}
			conn.Close(websocket.StatusNormalClosure, "done")
			return
		}

		audioFrames++
		audioBytes += len(frame.Payload)

		if audioFrames%*partialEvery == 0 {
			// Grow the partial as more audio arrives.
			cut := len(*transcriptBase) * audioFrames / (audioFrames + *partialEvery)
			seq++
			partial, err := protocol.EncodeServerResponse((*transcriptBase)[:cut], seq, false)
			if err != nil {
				log.Printf("❌ Encode partial: %v", err)
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, partial); err != nil {
				log.Printf("❌ Write partial: %v", err)
				return
			}
			log.Printf("📝 Partial after %d frames: %q", audioFrames, (*transcriptBase)[:cut])
		} else {
			if err := conn.Write(ctx, websocket.MessageBinary, protocol.EncodeAck(frame.Seq)); err != nil {
				log.Printf("❌ Write ack: %v", err)
				return
			}
		}
	}
}

func awaitHandshake(ctx context.Context, conn *websocket.Conn) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	frame, err := protocol.DecodeClientFrame(data)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if frame.Type != protocol.TypeFullRequest {
		return fmt.Errorf("expected full request, got type %d", frame.Type)
	}
	if frame.Seq != 1 {
		return fmt.Errorf("expected handshake seq 1, got %d", frame.Seq)
	}

	log.Printf("📋 Full request: %s", frame.Payload)
	return nil
}

func sendError(ctx context.Context, conn *websocket.Conn, code int32, detail string) {
	frame, err := protocol.EncodeServerError(code, detail)
	if err != nil {
		log.Printf("❌ Encode error frame: %v", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		log.Printf("❌ Write error frame: %v", err)
	}
}
