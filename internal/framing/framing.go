package framing

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Policy selects how frame boundaries are detected. A policy is fixed
// per connection at construction; it is never inferred from content.
type Policy string

const (
	// PolicyLines treats each newline-terminated line as one frame.
	PolicyLines Policy = "lines"
	// PolicyContentLength expects a header block (Content-Length
	// required, other headers ignored) terminated by a blank line,
	// followed by exactly that many bytes of payload.
	PolicyContentLength Policy = "content-length"
)

// ParsePolicy converts a config string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyLines:
		return PolicyLines, nil
	case PolicyContentLength:
		return PolicyContentLength, nil
	default:
		return "", fmt.Errorf("unknown framing policy %q", s)
	}
}

// Splitter accumulates raw chunks from one connection and yields
// complete frames. A Splitter is single-connection state: it is not
// safe for concurrent use and is not restartable after Discard.
type Splitter interface {
	// Feed appends a chunk and returns the frames it completed, in
	// arrival order. A chunk may complete zero, one, or many frames.
	// Feed keeps processing past malformed framing data; the returned
	// error describes the first problem encountered in this chunk.
	Feed(chunk []byte) ([][]byte, error)

	// Discard returns any buffered partial data and resets the
	// splitter. Called on connection close; the caller reports the
	// remainder as a diagnostic rather than surfacing it as a frame.
	Discard() []byte
}

// New returns a fresh Splitter for the given policy.
func New(policy Policy) (Splitter, error) {
	switch policy {
	case PolicyLines:
		return &lineSplitter{}, nil
	case PolicyContentLength:
		return &contentLengthSplitter{}, nil
	default:
		return nil, fmt.Errorf("unknown framing policy %q", policy)
	}
}

// lineSplitter implements newline-terminated framing (JSON lines).
type lineSplitter struct {
	buf bytes.Buffer
}

func (s *lineSplitter) Feed(chunk []byte) ([][]byte, error) {
	s.buf.Write(chunk)

	var frames [][]byte
	for {
		data := s.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return frames, nil
		}

		line := make([]byte, idx)
		copy(line, data[:idx])
		s.buf.Next(idx + 1)

		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		frames = append(frames, line)
	}
}

func (s *lineSplitter) Discard() []byte {
	rest := append([]byte(nil), s.buf.Bytes()...)
	s.buf.Reset()
	return rest
}

// contentLengthSplitter implements header-delimited framing. Wire
// format: one or more "Name: value" lines, a blank line, then exactly
// Content-Length bytes of payload.
type contentLengthSplitter struct {
	buf     bytes.Buffer
	pending int // payload bytes still owed; zero while reading headers
}

func (s *contentLengthSplitter) Feed(chunk []byte) ([][]byte, error) {
	s.buf.Write(chunk)

	var frames [][]byte
	var firstErr error
	for {
		if s.pending > 0 {
			if s.buf.Len() < s.pending {
				return frames, firstErr
			}
			payload := make([]byte, s.pending)
			copy(payload, s.buf.Bytes()[:s.pending])
			s.buf.Next(s.pending)
			s.pending = 0
			frames = append(frames, payload)
			continue
		}

		end, skip := headerBlockEnd(s.buf.Bytes())
		if end < 0 {
			return frames, firstErr
		}

		header := string(s.buf.Bytes()[:end])
		s.buf.Next(end + skip)

		length, err := parseContentLength(header)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if length == 0 {
			// Zero-length payloads carry nothing routable.
			continue
		}
		s.pending = length
	}
}

func (s *contentLengthSplitter) Discard() []byte {
	rest := append([]byte(nil), s.buf.Bytes()...)
	s.buf.Reset()
	s.pending = 0
	return rest
}

// headerBlockEnd locates the blank line terminating a header block.
// Returns the end offset of the headers and the terminator width, or
// (-1, 0) if the block is still incomplete. The earliest terminator
// wins so a buffered later block never swallows the current one.
func headerBlockEnd(data []byte) (end, skip int) {
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	lf := bytes.Index(data, []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return -1, 0
	case lf < 0 || (crlf >= 0 && crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

func parseContentLength(header string) (int, error) {
	for _, line := range strings.Split(header, "\n") {
		line = strings.TrimSuffix(line, "\r")
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		length, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || length < 0 {
			return 0, fmt.Errorf("malformed Content-Length value %q", strings.TrimSpace(value))
		}
		return length, nil
	}
	return 0, fmt.Errorf("header block missing Content-Length")
}
