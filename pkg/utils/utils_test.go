// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionGetString(t *testing.T) {
	opt := Option{
		"name":  "deepgram",
		"count": 3,
	}

	s, err := opt.GetString("name")
	require.NoError(t, err)
	assert.Equal(t, "deepgram", s)

	// non-string values stringify
	s, err = opt.GetString("count")
	require.NoError(t, err)
	assert.Equal(t, "3", s)

	_, err = opt.GetString("missing")
	assert.Error(t, err)

	assert.Equal(t, "fallback", opt.GetStringOr("missing", "fallback"))
	assert.Equal(t, "deepgram", opt.GetStringOr("name", "fallback"))
}

func TestOptionGetInt(t *testing.T) {
	opt := Option{
		"int":     42,
		"float":   float64(8000),
		"string":  "16000",
		"garbage": []string{"x"},
	}

	tests := []struct {
		key  string
		want int
	}{
		{"int", 42},
		{"float", 8000},
		{"string", 16000},
	}
	for _, tc := range tests {
		got, err := opt.GetInt(tc.key)
		require.NoError(t, err, tc.key)
		assert.Equal(t, tc.want, got, tc.key)
	}

	_, err := opt.GetInt("garbage")
	assert.Error(t, err)
	_, err = opt.GetInt("missing")
	assert.Error(t, err)
	assert.Equal(t, 99, opt.GetIntOr("missing", 99))
}

func TestOptionGetBool(t *testing.T) {
	opt := Option{
		"on":      true,
		"strOn":   "true",
		"garbage": "not-a-bool",
	}
	assert.True(t, opt.GetBool("on", false))
	assert.True(t, opt.GetBool("strOn", false))
	assert.False(t, opt.GetBool("garbage", false))
	assert.True(t, opt.GetBool("missing", true))
}

func TestGoRecoversPanic(t *testing.T) {
	done := make(chan struct{})
	Go(context.Background(), func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking task never finished")
	}

	// the process is still alive; a subsequent task runs normally
	ran := make(chan struct{})
	Go(context.Background(), func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("follow-up task never ran")
	}
}

func TestPtr(t *testing.T) {
	p := Ptr(7)
	require.NotNil(t, p)
	assert.Equal(t, 7, *p)
}
