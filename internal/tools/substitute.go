// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_tools

import (
	"strings"
	"unicode"
)

// maxVariableLen caps any substituted value. Tool results can be whole HTTP
// bodies; unbounded values have blown out provider prompts before.
const maxVariableLen = 512

// Substitute replaces {name} placeholders from vars in a single left-to-right
// pass. Values are inserted literally, never rescanned, so a value containing
// "{other}" cannot trigger a second substitution. Unknown placeholders and
// malformed braces pass through unchanged.
func Substitute(template string, vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); {
		c := template[i]
		if c != '{' {
			b.WriteByte(c)
			i++
			continue
		}

		end := strings.IndexByte(template[i:], '}')
		if end < 0 {
			b.WriteString(template[i:])
			break
		}
		name := template[i+1 : i+end]
		if !validPlaceholder(name) {
			b.WriteByte('{')
			i++
			continue
		}
		val, ok := vars[name]
		if !ok {
			b.WriteString(template[i : i+end+1])
			i += end + 1
			continue
		}
		b.WriteString(truncate(val))
		i += end + 1
	}
	return b.String()
}

// SubstituteMap applies Substitute to every value of a map.
func SubstituteMap(in map[string]string, vars map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = Substitute(v, vars)
	}
	return out
}

func validPlaceholder(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return true
}

func truncate(s string) string {
	if len(s) <= maxVariableLen {
		return s
	}
	return s[:maxVariableLen]
}

// MergeVars overlays maps left to right, later maps winning.
func MergeVars(maps ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
