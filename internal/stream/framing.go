package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RecordSplitter converts a raw byte stream into discrete JSON records,
// splitting on newlines. A partial trailing record is buffered until the
// next chunk completes it, so records may arrive split across arbitrary
// chunk boundaries.
type RecordSplitter struct {
	buf bytes.Buffer
}

// Push appends chunk to the internal buffer and returns every complete
// record it unlocked, in order. Blank lines are ignored; a complete line
// that fails to parse as JSON is an error.
func (s *RecordSplitter) Push(chunk []byte) ([]json.RawMessage, error) {
	s.buf.Write(chunk)

	var records []json.RawMessage
	for {
		data := s.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return records, nil
		}
		line := make([]byte, i)
		copy(line, data[:i])
		s.buf.Next(i + 1)

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return records, fmt.Errorf("malformed record: %.64q", line)
		}
		records = append(records, json.RawMessage(line))
	}
}

// Pending reports whether a partial record is still buffered.
func (s *RecordSplitter) Pending() bool {
	return s.buf.Len() > 0
}

// EventEncoder re-serializes JSON records into server-sent-events wire
// framing. A zero value emits plain data events; set Event to add an
// event name line. Composes directly with RecordSplitter output.
type EventEncoder struct {
	Event string
}

// Encode frames one record as an SSE event.
func (e *EventEncoder) Encode(record json.RawMessage) []byte {
	var b bytes.Buffer
	if e.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", e.Event)
	}
	fmt.Fprintf(&b, "data: %s\n\n", record)
	return b.Bytes()
}
