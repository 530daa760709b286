// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sse turns a chunked Server-Sent Events byte stream into frames.
//
// Single Responsibility:
//
//	The decoder ONLY splits bytes into frames. It does not parse JSON,
//	interpret event types, or touch conversation state. Payload
//	interpretation lives in package protocol.
//
// Wire Format:
//
//	data: {"type":"token","content":"Hi"}\n
//	\n
//	data: {"type":"end","sources":[]}\n
//	\n
//
// A frame is everything between two blank-line separators ("\n\n"). Only
// frames whose first line starts with "data:" are emitted. Transport chunks
// may end anywhere (mid-frame, mid-JSON-escape, mid-rune); the unconsumed
// suffix is retained and prepended to the next chunk.
//
// Lossy Edge:
//
//	When the stream closes with an unterminated frame in the buffer, that
//	partial frame is discarded, not reported. Close returns the number of
//	bytes dropped so callers can count it.
package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// =============================================================================
// Constants and Errors
// =============================================================================

const (
	// DataPrefix is the field prefix a frame must start with to be emitted.
	DataPrefix = "data:"

	// DefaultMaxFrameBytes caps the retained, unterminated suffix.
	DefaultMaxFrameBytes = 1 << 20

	// DefaultChunkSize is the read size used by Decode.
	DefaultChunkSize = 4096
)

var frameDelimiter = []byte("\n\n")

// ErrFrameTooLarge is returned when a single unterminated frame grows past
// the configured maximum. It is fatal for the stream.
var ErrFrameTooLarge = errors.New("sse: frame exceeds maximum size")

// ErrDecoderClosed is returned by Feed after Close.
var ErrDecoderClosed = errors.New("sse: decoder closed")

// =============================================================================
// Types
// =============================================================================

// Frame is one complete logical frame.
//
// Payload is the field content after the "data:" prefix with surrounding
// whitespace trimmed. It is never empty.
type Frame struct {
	Payload string
}

// Stats counts what the decoder saw.
type Stats struct {
	// Frames is the number of frames emitted.
	Frames int

	// Ignored is the number of complete frames without a "data:" prefix
	// or with an empty payload.
	Ignored int

	// DiscardedBytes is the size of the partial frame dropped on Close.
	DiscardedBytes int
}

// Callback is invoked for every emitted frame, in arrival order.
// Returning an error stops decoding.
type Callback func(frame Frame) error

// Option configures a Decoder.
type Option func(*options)

type options struct {
	maxFrameBytes int
	chunkSize     int
}

// WithMaxFrameBytes sets the maximum size of the retained suffix.
// Values <= 0 keep the default.
func WithMaxFrameBytes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrameBytes = n
		}
	}
}

// WithChunkSize sets the read size used by Decode.
// Values <= 0 keep the default.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// =============================================================================
// Decoder
// =============================================================================

// Decoder is an incremental frame splitter.
//
// # Description
//
// Feed accepts transport chunks of any size and returns every frame that
// became complete. The decoder never blocks and never reads on its own;
// it is a pure transform applied as chunks arrive.
//
// # Thread Safety
//
// A Decoder is NOT safe for concurrent use. One stream, one decoder.
//
// # Examples
//
//	dec := sse.NewDecoder()
//	frames, err := dec.Feed([]byte(`data: {"type":"tok`))
//	// frames is empty, suffix retained
//	frames, err = dec.Feed([]byte(`en","content":"Hi"}` + "\n\n"))
//	// frames[0].Payload == `{"type":"token","content":"Hi"}`
type Decoder struct {
	buf    []byte
	opts   options
	stats  Stats
	closed bool
}

// NewDecoder creates a Decoder with the given options.
func NewDecoder(opts ...Option) *Decoder {
	o := options{
		maxFrameBytes: DefaultMaxFrameBytes,
		chunkSize:     DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Decoder{opts: o}
}

// Feed appends chunk to the retained buffer and returns the frames it
// completed.
//
// # Inputs
//
//   - chunk: Raw bytes as delivered by the transport. The decoder copies
//     them; the caller may reuse the slice.
//
// # Outputs
//
//   - []Frame: Complete "data:" frames, in order. May be empty.
//   - error: ErrFrameTooLarge when the unterminated suffix exceeds the
//     maximum (frames completed by this chunk are still returned), or
//     ErrDecoderClosed after Close.
func (d *Decoder) Feed(chunk []byte) ([]Frame, error) {
	if d.closed {
		return nil, ErrDecoderClosed
	}

	d.buf = append(d.buf, chunk...)

	var frames []Frame
	consumed := 0
	for {
		idx := bytes.Index(d.buf[consumed:], frameDelimiter)
		if idx < 0 {
			break
		}
		raw := d.buf[consumed : consumed+idx]
		consumed += idx + len(frameDelimiter)

		frame, ok := parseFrame(raw)
		if !ok {
			d.stats.Ignored++
			continue
		}
		d.stats.Frames++
		frames = append(frames, frame)
	}

	// Compact so the consumed prefix does not pin memory.
	if consumed > 0 {
		n := copy(d.buf, d.buf[consumed:])
		d.buf = d.buf[:n]
	}

	if len(d.buf) > d.opts.maxFrameBytes {
		return frames, fmt.Errorf("%w: %d bytes buffered, limit %d", ErrFrameTooLarge, len(d.buf), d.opts.maxFrameBytes)
	}
	return frames, nil
}

// Close ends the stream and discards any unterminated frame.
//
// Returns the number of bytes discarded. Calling Close twice is harmless.
func (d *Decoder) Close() int {
	if d.closed {
		return 0
	}
	d.closed = true
	discarded := len(d.buf)
	d.stats.DiscardedBytes += discarded
	d.buf = nil
	return discarded
}

// Buffered returns the size of the retained, unterminated suffix.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Stats returns the counters accumulated so far.
func (d *Decoder) Stats() Stats {
	return d.stats
}

// parseFrame validates the field prefix and extracts the payload.
//
// Leading blank lines (a third newline after a separator) are tolerated.
// Everything after the prefix belongs to the payload, including later
// lines of the same frame.
func parseFrame(raw []byte) (Frame, bool) {
	s := strings.TrimLeft(string(raw), "\r\n")
	if !strings.HasPrefix(s, DataPrefix) {
		return Frame{}, false
	}
	payload := strings.TrimSpace(s[len(DataPrefix):])
	if payload == "" {
		return Frame{}, false
	}
	return Frame{Payload: payload}, true
}

// =============================================================================
// Reader Loop
// =============================================================================

// Decode reads r chunk by chunk and invokes fn for every frame.
//
// # Description
//
// This is the decode loop the streaming controller runs over a response
// body. The context is checked before every read, so cancellation takes
// effect between chunks. On EOF the decoder is closed and any partial
// frame is dropped.
//
// # Inputs
//
//   - ctx: Cancellation. A cancelled context stops the loop with ctx.Err().
//   - r: Source of chunks. Caller closes it.
//   - fn: Frame callback. A non-nil return stops the loop with that error.
//   - opts: Decoder options (chunk size, max frame size).
//
// # Outputs
//
//   - Stats: Counters at the point the loop stopped.
//   - error: nil on clean EOF; otherwise the cancellation, read, callback
//     or ErrFrameTooLarge error.
func Decode(ctx context.Context, r io.Reader, fn Callback, opts ...Option) (Stats, error) {
	dec := NewDecoder(opts...)
	chunk := make([]byte, dec.opts.chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			dec.Close()
			return dec.Stats(), err
		}

		n, readErr := r.Read(chunk)
		if n > 0 {
			frames, feedErr := dec.Feed(chunk[:n])
			for _, frame := range frames {
				if err := fn(frame); err != nil {
					dec.Close()
					return dec.Stats(), err
				}
			}
			if feedErr != nil {
				dec.Close()
				return dec.Stats(), feedErr
			}
		}

		if errors.Is(readErr, io.EOF) {
			dec.Close()
			return dec.Stats(), nil
		}
		if readErr != nil {
			dec.Close()
			return dec.Stats(), fmt.Errorf("read stream: %w", readErr)
		}
	}
}
