// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// errNoResult marks a task that ended via runtime.Goexit.
var errNoResult = errors.New("task exited without a result")

// Exit is the single message a supervised task sends when it ends.
type Exit[T any] struct {
	// Output is the task's return value. Zero unless Normal.
	Output T

	// Err is the task's returned error.
	Err error

	// Panic is the recovered panic value, or nil.
	Panic any

	// Stack is the stack at panic time.
	Stack string
}

// Abnormal reports whether the task panicked or returned an error.
func (e Exit[T]) Abnormal() bool {
	return e.Panic != nil || e.Err != nil
}

// Reason describes an abnormal exit in one line.
func (e Exit[T]) Reason() string {
	switch {
	case e.Panic != nil:
		return fmt.Sprintf("panic: %v", e.Panic)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return ""
	}
}

// supervise runs fn in its own goroutine and returns a channel that
// receives exactly one Exit.
//
// Description:
//
//	A panic in fn is recovered with its stack and reported as an abnormal
//	Exit instead of crashing the process. The Exit is sent after fn has
//	returned, so everything fn did happens before the receiver observes
//	the message. The channel is buffered: the task never blocks on an
//	absent receiver.
func supervise[T any](fn func() (T, error)) <-chan Exit[T] {
	exits := make(chan Exit[T], 1)
	go func() {
		var (
			out      T
			err      error
			returned bool
		)
		defer func() {
			if r := recover(); r != nil {
				exits <- Exit[T]{Panic: r, Stack: string(debug.Stack())}
				return
			}
			if !returned {
				exits <- Exit[T]{Err: errNoResult}
				return
			}
			exits <- Exit[T]{Output: out, Err: err}
		}()
		out, err = fn()
		returned = true
	}()
	return exits
}
