// Package goid reports the id of the calling goroutine.
//
// Go has no thread-local storage, so lock ownership is keyed by goroutine
// instead of OS thread. The id is parsed from the "goroutine N [" header
// written by runtime.Stack.
package goid

import (
	"runtime"
	"strconv"
)

// Get returns the id of the calling goroutine.
func Get() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if len(b) < len(prefix) || string(b[:len(prefix)]) != prefix {
		panic("goid: unexpected runtime.Stack header")
	}
	b = b[len(prefix):]
	end := 0
	for end < len(b) && b[end] >= '0' && b[end] <= '9' {
		end++
	}
	id, err := strconv.ParseInt(string(b[:end]), 10, 64)
	if err != nil {
		panic("goid: cannot parse goroutine id: " + err.Error())
	}
	return id
}
