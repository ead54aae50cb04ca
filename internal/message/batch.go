package message

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultMaxBatchBytes is the soft cap on a single NDJSON batch, chosen to
// stay comfortably under typical room-service message size limits.
const DefaultMaxBatchBytes = 50 << 10

// Serialize marshals a single message to its wire text form (one JSON
// object, no trailing newline).
func Serialize(m Message) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("message: marshal: %w", err)
	}
	return string(b), nil
}

// MakeBatches packs pre-serialized message texts into newline-delimited
// batches no larger than maxBytes. A single message that itself exceeds
// maxBytes is never split; it becomes its own oversized batch.
func MakeBatches(texts []string, maxBytes int) []string {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBatchBytes
	}

	var batches []string
	var cur bytes.Buffer

	flush := func() {
		if cur.Len() > 0 {
			batches = append(batches, cur.String())
			cur.Reset()
		}
	}

	for _, t := range texts {
		candidateLen := len(t)
		if cur.Len() > 0 {
			candidateLen += cur.Len() + 1 // +1 for the joining newline
		}
		if cur.Len() > 0 && candidateLen > maxBytes {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(t)
	}
	flush()

	return batches
}

// ParseBatch splits an inbound NDJSON body into individual messages.
// Malformed lines are skipped (returned in the second slice as raw text)
// rather than failing the whole batch.
func ParseBatch(body string) (ok []Message, malformed []string) {
	lines := bytes.Split([]byte(body), []byte("\n"))
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			malformed = append(malformed, string(line))
			continue
		}
		ok = append(ok, m)
	}
	return ok, malformed
}
