// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_elevenlabs

import (
	"regexp"
	"strconv"
	"strings"

	ntw "moul.io/number-to-words"
)

// Normalization rewrites text the model produced for reading into text the
// voice pronounces well: digits become words, symbols become their names.
// Synthesis engines stumble over "$1500" and read "speak 2 me" literally.

var (
	currencyRe = regexp.MustCompile(`\$(\d+)(?:\.(\d{2}))?`)
	percentRe  = regexp.MustCompile(`(\d+)%`)
	integerRe  = regexp.MustCompile(`\b\d+\b`)
	spacesRe   = regexp.MustCompile(`\s+`)
)

// maxSpokenNumber bounds word expansion. Anything longer is an identifier
// (order number, confirmation code) and is read digit by digit.
const maxSpokenNumber = 999999

// Normalize rewrites text for synthesis.
func Normalize(text string) string {
	out := currencyRe.ReplaceAllStringFunc(text, expandCurrency)
	out = percentRe.ReplaceAllStringFunc(out, expandPercent)
	out = integerRe.ReplaceAllStringFunc(out, expandInteger)
	out = strings.ReplaceAll(out, "&", " and ")
	out = strings.ReplaceAll(out, "@", " at ")
	return strings.TrimSpace(spacesRe.ReplaceAllString(out, " "))
}

func expandCurrency(m string) string {
	parts := currencyRe.FindStringSubmatch(m)
	dollars, err := strconv.Atoi(parts[1])
	if err != nil || dollars > maxSpokenNumber {
		return m
	}
	out := ntw.IntegerToEnUs(dollars)
	if dollars == 1 {
		out += " dollar"
	} else {
		out += " dollars"
	}
	if parts[2] != "" {
		cents, err := strconv.Atoi(parts[2])
		if err == nil && cents > 0 {
			out += " and " + ntw.IntegerToEnUs(cents)
			if cents == 1 {
				out += " cent"
			} else {
				out += " cents"
			}
		}
	}
	return out
}

func expandPercent(m string) string {
	parts := percentRe.FindStringSubmatch(m)
	n, err := strconv.Atoi(parts[1])
	if err != nil || n > maxSpokenNumber {
		return m
	}
	return ntw.IntegerToEnUs(n) + " percent"
}

func expandInteger(m string) string {
	n, err := strconv.Atoi(m)
	if err != nil {
		return m
	}
	if n > maxSpokenNumber {
		return spellDigits(m)
	}
	return ntw.IntegerToEnUs(n)
}

// spellDigits reads a long number one digit at a time.
func spellDigits(s string) string {
	words := make([]string, 0, len(s))
	for _, r := range s {
		words = append(words, ntw.IntegerToEnUs(int(r-'0')))
	}
	return strings.Join(words, " ")
}
