package stream

import (
	"bufio"
	"io"
	"strings"
)

// event is one dispatched server-sent event.
type event struct {
	Name string
	Data string
}

// reader decodes a text/event-stream body into events. Comment lines
// (keep-alive pings) and id/retry fields are skipped.
type reader struct {
	r *bufio.Reader
}

func newReader(r io.Reader) *reader {
	return &reader{r: bufio.NewReader(r)}
}

// Next returns the next complete event. It returns io.EOF when the stream
// ends, discarding any partially received event.
func (rd *reader) Next() (event, error) {
	var (
		ev      event
		data    []string
		hasData bool
	)
	for {
		line, err := rd.r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return event{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData || ev.Name != "" {
				ev.Data = strings.Join(data, "\n")
				if ev.Name == "" {
					ev.Name = "message"
				}
				return ev, nil
			}
			if err == io.EOF {
				return event{}, io.EOF
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
			hasData = true
		}

		if err == io.EOF {
			return event{}, io.EOF
		}
	}
}
