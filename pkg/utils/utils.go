// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package utils

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
)

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}

// Go runs fn in a goroutine with panic recovery. A panicking call task must
// never take down the process; the engine survives any single-call failure.
func Go(ctx context.Context, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Printf("recovered panic in background task: %v\n%s", r, debug.Stack())
			}
		}()
		fn()
	}()
}

// Option is a loosely-typed option bag used for provider and tool settings
// that arrive from configuration or request metadata.
type Option map[string]interface{}

// GetString returns the string value for key, or an error if absent.
func (o Option) GetString(key string) (string, error) {
	v, ok := o[key]
	if !ok {
		return "", fmt.Errorf("option %q not set", key)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

// GetStringOr returns the string value for key, or def when absent.
func (o Option) GetStringOr(key, def string) string {
	if s, err := o.GetString(key); err == nil && s != "" {
		return s
	}
	return def
}

// GetInt returns the integer value for key, tolerating float64 (JSON) and
// string representations.
func (o Option) GetInt(key string) (int, error) {
	v, ok := o[key]
	if !ok {
		return 0, fmt.Errorf("option %q not set", key)
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("option %q is not an integer", key)
	}
}

// GetIntOr returns the integer value for key, or def when absent or invalid.
func (o Option) GetIntOr(key string, def int) int {
	if i, err := o.GetInt(key); err == nil {
		return i
	}
	return def
}

// GetBool returns the boolean value for key, or def when absent.
func (o Option) GetBool(key string, def bool) bool {
	v, ok := o[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}
