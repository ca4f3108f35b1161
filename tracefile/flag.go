// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package tracefile

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// CodecFlag is a pflag.Value implementation that stores a Codec value,
// letting command-line tools bind the codec knob directly.
type CodecFlag Codec

var _ pflag.Value = (*CodecFlag)(nil)

func (cf *CodecFlag) String() string { return Codec(*cf).String() }

// Set implements pflag.Value.
func (cf *CodecFlag) Set(v string) error {
	for c := Codec(0); c < numCodecs; c++ {
		if strings.EqualFold(v, c.String()) {
			*cf = CodecFlag(c)
			return nil
		}
	}
	return errors.Errorf("unknown codec: %q", v)
}

// Type implements pflag.Value.
func (cf *CodecFlag) Type() string { return "tracefile.Codec" }

// Value returns the codec value held by this flag.
func (cf CodecFlag) Value() Codec { return Codec(cf) }

// CodecFlagValues returns the list of possible values for a CodecFlag.
func CodecFlagValues() string {
	opts := make([]string, numCodecs)
	for c := Codec(0); c < numCodecs; c++ {
		opts[c] = c.String()
	}
	return strings.Join(opts, ", ")
}
