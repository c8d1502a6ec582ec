// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode controls how rich terminal output is.
type Mode string

const (
	// ModeFull enables colors, icons, boxes, and spinners.
	ModeFull Mode = "full"

	// ModeMinimal keeps icons and plain text but drops boxes and spinners.
	ModeMinimal Mode = "minimal"

	// ModeMachine prints plain KEY: value lines suitable for scripts.
	ModeMachine Mode = "machine"
)

// ModeEnv overrides mode detection when set.
const ModeEnv = "CYYRUS_OUTPUT"

// ParseMode converts a flag or environment value to a Mode. Unknown values
// yield ModeFull.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return ModeMinimal
	case "machine", "plain", "quiet", "q":
		return ModeMachine
	default:
		return ModeFull
	}
}

// DetectMode picks the mode for w.
//
// Description:
//
//	$CYYRUS_OUTPUT wins when set. Otherwise a terminal gets ModeFull and
//	anything else (pipes, files, buffers) gets ModeMachine.
func DetectMode(w io.Writer) Mode {
	if env := os.Getenv(ModeEnv); env != "" {
		return ParseMode(env)
	}
	if IsTerminal(w) {
		return ModeFull
	}
	return ModeMachine
}

// IsTerminal reports whether w is a terminal file.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
