package stream

import (
	"bufio"
	"io"
	"strings"
)

// maxEventSize bounds a single SSE line; bid updates are small JSON.
const maxEventSize = 256 * 1024

// Event is one parsed server-sent event.
type Event struct {
	Name string
	Data string
}

// readEvents parses an SSE byte stream and invokes fn once per event.
// It returns when the stream ends, the reader fails, or fn returns an
// error. Comment lines and id/retry fields are ignored.
func readEvents(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxEventSize)

	var name string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name != "" || data.Len() > 0 {
				if err := fn(Event{Name: name, Data: data.String()}); err != nil {
					return err
				}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}
