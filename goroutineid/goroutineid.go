// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package goroutineid identifies the calling goroutine.
//
// The id is parsed from the header line of [runtime.Stack], which has the
// stable form "goroutine N [status]:". It is intended for thread affinity
// checks (e.g. "am I on the loop goroutine"), not for goroutine-local storage
// on hot paths: each call costs on the order of a microsecond.
package goroutineid

import (
	"runtime"
)

const prefix = "goroutine "

// Get returns the id of the calling goroutine, or 0 if it could not be
// determined. Real goroutine ids are never 0.
func Get() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	if n <= len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}
	var id uint64
	for i := len(prefix); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
