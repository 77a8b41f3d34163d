// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package causal

import (
	"strings"
	"unicode"
)

// CanonicalID reduces a variable name to its stable canonical identifier.
//
// Description:
//
//	The same function is applied once at variable-discovery time and
//	reused at every later stage, so identifier resolution is exact-match
//	everywhere. There is deliberately no fuzzy matching downstream; a
//	name that does not canonicalize to a known ID is an unknown-variable
//	rejection, not a best-effort guess.
//
// Rules:
//   - Unicode case-folded to lower case
//   - leading/trailing whitespace removed
//   - every run of non-alphanumeric characters collapsed to one underscore
//   - leading/trailing underscores removed
//
// Inputs:
//
//	name - The display name or identifier-like string.
//
// Outputs:
//
//	string - The canonical ID. Empty input yields an empty string.
func CanonicalID(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(name))
	pendingSep := false
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		} else {
			pendingSep = true
		}
	}
	return b.String()
}

// PairFingerprint returns an order-independent key for an unordered
// variable pair, used as the proposal cache fingerprint.
func PairFingerprint(idA, idB string) string {
	if idB < idA {
		idA, idB = idB, idA
	}
	return idA + "|" + idB
}
