package compression

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func sampleEvent() []byte {
	payload := map[string]interface{}{
		"event_id":   "e1",
		"session_id": "s1",
		"platform":   "claude_code",
		"event_type": "UserPromptSubmit",
		"metadata": map[string]interface{}{
			"workspace": "/home/user/project",
			"notes":     "the quick brown fox jumps over the lazy dog, repeated many times over many times over",
		},
	}
	b, _ := json.Marshal(payload)
	return b
}

func TestCodecRoundTrip(t *testing.T) {
	c := NewCodec()
	original := sampleEvent()

	compressed, err := c.Compress(original)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	decompressed, err := c.Decompress(compressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(original, decompressed) {
		t.Fatalf("round trip mismatch:\nwant %s\ngot  %s", original, decompressed)
	}
}

func TestCodecReducesSizeOnRepetitiveInput(t *testing.T) {
	c := NewCodec()
	data := bytes.Repeat([]byte(`{"a":"b","c":"d"}`), 200)

	compressed, err := c.Compress(data)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(compressed) >= len(data) {
		t.Fatalf("expected compression to shrink repetitive input: %d -> %d", len(data), len(compressed))
	}
}

func TestCodecConcurrentUse(t *testing.T) {
	c := NewCodec()
	data := sampleEvent()

	done := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func() {
			compressed, err := c.Compress(data)
			if err != nil {
				done <- err
				return
			}
			out, err := c.Decompress(compressed)
			if err != nil {
				done <- err
				return
			}
			if !bytes.Equal(out, data) {
				done <- errMismatch
				return
			}
			done <- nil
		}()
	}
	for i := 0; i < 16; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent codec use failed: %v", err)
		}
	}
}

var errMismatch = errors.New("decompressed output did not match original")
