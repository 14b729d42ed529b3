package ai

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultFlushThreshold bounds the bytes buffered without a newline.
	DefaultFlushThreshold = 10000
	// DefaultMaxFrame bounds a JSON frame reassembled across line breaks.
	DefaultMaxFrame = 64 * 1024

	doneSentinel = "[DONE]"
	dataPrefix   = "data:"
	readSize     = 4096
)

// DecoderOption customizes a Decoder.
type DecoderOption func(*Decoder)

// WithFlushThreshold sets how many bytes may accumulate without a newline
// before the buffer is flushed as a raw delta.
func WithFlushThreshold(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.threshold = n
		}
	}
}

// WithMaxFrame sets the largest JSON frame held while waiting for the rest
// of it on following lines.
func WithMaxFrame(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxFrame = n
		}
	}
}

// Decoder turns a chat completion response body into text deltas. It reads
// SSE "data:" frames and bare NDJSON lines, stops at the [DONE] sentinel and
// degrades to raw text for anything it cannot parse.
type Decoder struct {
	r         io.Reader
	threshold int
	maxFrame  int

	buf     []byte
	chunk   []byte
	pending string
	queue   []string
	text    strings.Builder

	// valved is set while the current unterminated run has been partly
	// flushed raw; the rest of that run is raw text too.
	valved   bool
	finished bool
	err      error
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		r:         r,
		threshold: DefaultFlushThreshold,
		maxFrame:  DefaultMaxFrame,
		chunk:     make([]byte, readSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next delta. It returns io.EOF once the stream signalled
// completion or ended, or the read error that interrupted it.
func (d *Decoder) Next() (string, error) {
	for {
		if len(d.queue) > 0 {
			delta := d.queue[0]
			d.queue = d.queue[1:]
			d.text.WriteString(delta)
			return delta, nil
		}
		if d.finished {
			if d.err != nil {
				return "", d.err
			}
			return "", io.EOF
		}
		d.fill()
	}
}

// Text returns the concatenation of every delta returned so far.
func (d *Decoder) Text() string {
	return d.text.String()
}

// DecodeAll drains r, calling onDelta for every delta, and returns the
// assembled text.
func DecodeAll(r io.Reader, onDelta func(string), opts ...DecoderOption) (string, error) {
	d := NewDecoder(r, opts...)
	for {
		delta, err := d.Next()
		if errors.Is(err, io.EOF) {
			return d.Text(), nil
		}
		if err != nil {
			return d.Text(), err
		}
		if onDelta != nil {
			onDelta(delta)
		}
	}
}

func (d *Decoder) fill() {
	n, err := d.r.Read(d.chunk)
	if n > 0 {
		d.buf = append(d.buf, d.chunk[:n]...)
		d.scanLines()
		if d.finished {
			return
		}
		d.safetyValve()
	}
	if err == nil {
		return
	}
	if !errors.Is(err, io.EOF) {
		d.err = err
	}
	d.finish()
}

func (d *Decoder) scanLines() {
	for !d.finished {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimSuffix(string(d.buf[:idx]), "\r")
		d.buf = d.buf[idx+1:]
		if d.valved {
			d.valved = false
			d.emit(line + "\n")
			continue
		}
		d.handleLine(line, false)
	}
}

// safetyValve flushes an oversized newline-free buffer verbatim, keeping an
// incomplete trailing UTF-8 sequence for the next read.
func (d *Decoder) safetyValve() {
	if len(d.buf) <= d.threshold {
		return
	}
	d.flushPending()
	cut := len(d.buf)
	start := cut - 1
	for start > 0 && cut-start < utf8.UTFMax && !utf8.RuneStart(d.buf[start]) {
		start--
	}
	if !utf8.FullRune(d.buf[start:]) {
		cut = start
	}
	if cut == 0 {
		return
	}
	d.emit(string(d.buf[:cut]))
	d.buf = append(d.buf[:0], d.buf[cut:]...)
	d.valved = true
}

func (d *Decoder) finish() {
	if !d.finished {
		if rest := string(d.buf); d.valved {
			d.emit(rest)
		} else if strings.TrimSpace(rest) != "" {
			d.handleLine(rest, true)
		}
		d.flushPending()
		d.buf = nil
	}
	d.finished = true
}

// handleLine interprets one line. At EOF the remainder has no terminating
// newline, and a failed parse emits it untrimmed.
func (d *Decoder) handleLine(raw string, final bool) {
	line := strings.TrimSpace(raw)

	if d.pending != "" {
		if strings.HasPrefix(line, dataPrefix) {
			d.flushPending()
		} else {
			d.continueFrame(raw)
			return
		}
	}

	if line == "" || isSSEField(line) {
		return
	}

	payload, fallback := line, line
	if final {
		fallback = raw
	}
	if strings.HasPrefix(line, dataPrefix) {
		payload = strings.TrimSpace(line[len(dataPrefix):])
		fallback = payload
		if payload == doneSentinel {
			d.finished = true
			d.buf = nil
			return
		}
	}

	switch probe(payload) {
	case frameComplete:
		d.emitPayload(payload)
	case frameIncomplete:
		d.pending = payload
	default:
		d.emit(fallback)
	}
}

// continueFrame joins a held frame with the next line, first as JSON
// whitespace and then as an escaped newline inside a string value.
func (d *Decoder) continueFrame(raw string) {
	raw = strings.TrimSuffix(raw, "\r")
	candidates := []string{d.pending + "\n" + raw, d.pending + `\n` + raw}

	next := ""
	for _, c := range candidates {
		switch probe(c) {
		case frameComplete:
			d.pending = ""
			d.emitPayload(c)
			return
		case frameIncomplete:
			if next == "" {
				next = c
			}
		}
	}
	if next == "" || len(next) > d.maxFrame {
		d.flushPending()
		d.handleLine(raw, false)
		return
	}
	d.pending = next
}

func (d *Decoder) flushPending() {
	if d.pending == "" {
		return
	}
	pending := d.pending
	d.pending = ""
	d.emit(pending)
}

func (d *Decoder) emitPayload(payload string) {
	text, ok := ExtractText(payload)
	if !ok {
		return
	}
	if text = StripRoleEcho(text); text != "" {
		d.emit(text)
	}
}

func (d *Decoder) emit(delta string) {
	if delta != "" {
		d.queue = append(d.queue, delta)
	}
}

type frameState int

const (
	frameInvalid frameState = iota
	frameIncomplete
	frameComplete
)

// probe classifies payload as complete JSON, a JSON container cut short, or
// something else.
func probe(payload string) frameState {
	if json.Valid([]byte(payload)) {
		return frameComplete
	}
	if payload == "" || (payload[0] != '{' && payload[0] != '[') {
		return frameInvalid
	}
	var v json.RawMessage
	err := json.NewDecoder(strings.NewReader(payload)).Decode(&v)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return frameIncomplete
	}
	return frameInvalid
}

func isSSEField(line string) bool {
	if strings.HasPrefix(line, ":") {
		return true
	}
	for _, field := range []string{"event:", "id:", "retry:"} {
		if strings.HasPrefix(line, field) {
			return true
		}
	}
	return false
}
