// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package replay

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// OverflowPolicyFlag is a pflag.Value implementation that stores an
// OverflowPolicy value.
type OverflowPolicyFlag OverflowPolicy

var _ pflag.Value = (*OverflowPolicyFlag)(nil)

func (of *OverflowPolicyFlag) String() string { return OverflowPolicy(*of).String() }

// Set implements pflag.Value.
func (of *OverflowPolicyFlag) Set(v string) error {
	for _, p := range []OverflowPolicy{OverflowBlock, OverflowDropOldest} {
		if strings.EqualFold(v, p.String()) {
			*of = OverflowPolicyFlag(p)
			return nil
		}
	}
	return errors.Errorf("unknown overflow policy: %q", v)
}

// Type implements pflag.Value.
func (of *OverflowPolicyFlag) Type() string { return "replay.OverflowPolicy" }

// Value returns the overflow policy held by this flag.
func (of OverflowPolicyFlag) Value() OverflowPolicy { return OverflowPolicy(of) }

// OverflowPolicyFlagValues returns the list of possible values for an
// OverflowPolicyFlag.
func OverflowPolicyFlagValues() string {
	return strings.Join([]string{OverflowBlock.String(), OverflowDropOldest.String()}, ", ")
}
