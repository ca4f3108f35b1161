// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package frame defines the in-memory representation of one captured
// protocol event and its binary layout inside a trace block.
//
// A Frame is one timestamped unit of master/device traffic, regardless of
// the transport (CAN, Ethernet, serial) it was captured from. The recorder
// consumes and produces Frames; it never interprets their payloads.
package frame

import (
	"encoding/binary"
	"math"

	"github.com/danjacques/caltrace/support/byteslicereader"

	"github.com/pkg/errors"
)

// Category classifies a captured frame by its role in the protocol
// exchange.
type Category uint8

const (
	// CategoryCommand is a request sent by the measurement master.
	CategoryCommand Category = iota
	// CategoryResponse is the device's reply to a command.
	CategoryResponse
	// CategoryEvent is an unsolicited device notification.
	CategoryEvent
	// CategoryError is an error report from either side.
	CategoryError

	numCategories
)

func (c Category) String() string {
	switch c {
	case CategoryCommand:
		return "COMMAND"
	case CategoryResponse:
		return "RESPONSE"
	case CategoryEvent:
		return "EVENT"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsValid returns true if c is a known category.
func (c Category) IsValid() bool { return c < numCategories }

// MaxPayloadSize is the largest payload a Frame can carry, bounded by the
// 2-byte length prefix in the serialized form.
const MaxPayloadSize = math.MaxUint16

// headerSize is the fixed-width portion of a serialized frame:
// timestamp (8) + category (1) + channel (1) + payload length (2).
const headerSize = 12

// ErrPayloadSize is returned when a frame's payload exceeds MaxPayloadSize.
var ErrPayloadSize = errors.New("frame payload exceeds maximum size")

// ErrTruncated is returned when a serialized frame ends before its declared
// payload does.
var ErrTruncated = errors.New("truncated frame data")

// Frame is one captured protocol event.
//
// A Frame is immutable once constructed: the recorder and replay engine
// never modify a Frame or its Payload after accepting it.
type Frame struct {
	// Timestamp is a monotonic capture-clock reading, in nanoseconds. The
	// recorder requires timestamps to be non-decreasing in capture order.
	Timestamp uint64

	// Category classifies the frame.
	Category Category

	// Channel identifies the transport/direction the frame was captured on.
	Channel uint8

	// Payload is the raw frame contents. It may be empty, and must not
	// exceed MaxPayloadSize bytes.
	Payload []byte
}

// EncodedSize returns the number of bytes f occupies in serialized form.
func (f *Frame) EncodedSize() int { return headerSize + len(f.Payload) }

// AppendEncoded appends f's serialized form to dst and returns the result.
//
// Layout (big-endian): timestamp:u64 | category:u8 | channel:u8 |
// payload_len:u16 | payload.
func (f *Frame) AppendEncoded(dst []byte) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return dst, errors.Wrapf(ErrPayloadSize, "%d bytes", len(f.Payload))
	}
	if !f.Category.IsValid() {
		return dst, errors.Errorf("invalid frame category %d", f.Category)
	}

	var hdr [headerSize]byte
	binary.BigEndian.PutUint64(hdr[0:], f.Timestamp)
	hdr[8] = byte(f.Category)
	hdr[9] = f.Channel
	binary.BigEndian.PutUint16(hdr[10:], uint16(len(f.Payload)))

	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...), nil
}

// Decode reads the next serialized frame from r.
//
// The returned Frame's Payload references r's backing buffer unless r has
// AlwaysCopy set; see byteslicereader.R.
func Decode(r *byteslicereader.R) (*Frame, error) {
	hdr, err := r.Next(headerSize)
	if err != nil {
		return nil, errors.Wrap(ErrTruncated, "reading frame header")
	}

	f := Frame{
		Timestamp: binary.BigEndian.Uint64(hdr[0:]),
		Category:  Category(hdr[8]),
		Channel:   hdr[9],
	}
	if !f.Category.IsValid() {
		return nil, errors.Errorf("invalid frame category %d", f.Category)
	}

	payloadLen := int(binary.BigEndian.Uint16(hdr[10:]))
	if payloadLen > 0 {
		if f.Payload, err = r.Next(payloadLen); err != nil {
			return nil, errors.Wrap(ErrTruncated, "reading frame payload")
		}
	}
	return &f, nil
}
