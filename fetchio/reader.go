// Copyright 2019 Seqroll, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package fetchio provides readers over streams of typed records, as
// produced by shuffle block retrieval. Readers are generic over the
// record type so that the element type of a fetched block is a
// static, checked contract rather than a runtime reinterpretation.
package fetchio

import (
	"context"

	"github.com/grailbio/base/errors"
)

// EOF is the error returned by Reader.Read when no more records are
// available. EOF is intended as a sentinel error: it signals a
// graceful end of the stream. If a stream terminates unexpectedly, a
// different error should be returned.
var EOF = errors.New("EOF")

// A Reader represents a stateful stream of records. Each call to Read
// reads the next batch of available records.
type Reader[T any] interface {
	// Read reads up to len(out) records into out, returning the number
	// of records read, or an error. When no more records are
	// available, Read returns EOF. Read may return EOF when n > 0: in
	// this case n records were read, but no more are available.
	//
	// Read should not be called concurrently.
	Read(ctx context.Context, out []T) (int, error)
}

type multiReader[T any] struct {
	q   []Reader[T]
	err error
}

// MultiReader returns a Reader that is the logical concatenation of
// the provided readers. Once every underlying Reader has returned
// EOF, Read returns EOF too. Non-EOF errors are returned immediately
// and latched: subsequent Reads return the same error.
func MultiReader[T any](readers ...Reader[T]) Reader[T] {
	return &multiReader[T]{q: readers}
}

func (m *multiReader[T]) Read(ctx context.Context, out []T) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	for len(m.q) > 0 {
		n, err := m.q[0].Read(ctx, out)
		switch {
		case err == EOF:
			m.q = m.q[1:]
			if n > 0 {
				return n, nil
			}
		case err != nil:
			m.err = err
			return n, err
		case n > 0:
			return n, nil
		}
	}
	return 0, EOF
}

type sliceReader[T any] struct {
	recs []T
}

// SliceReader returns a Reader that reads the provided records to
// completion.
func SliceReader[T any](recs []T) Reader[T] {
	return &sliceReader[T]{recs}
}

func (s *sliceReader[T]) Read(ctx context.Context, out []T) (int, error) {
	n := copy(out, s.recs)
	s.recs = s.recs[n:]
	if len(s.recs) == 0 {
		return n, EOF
	}
	return n, nil
}

// An errReader is a reader that only returns errors.
type errReader[T any] struct{ Err error }

// ErrReader returns a reader that returns the provided error on every
// call to Read. ErrReader panics if err is nil.
func ErrReader[T any](err error) Reader[T] {
	if err == nil {
		panic("nil error")
	}
	return errReader[T]{err}
}

func (e errReader[T]) Read(ctx context.Context, out []T) (int, error) {
	return 0, e.Err
}

// An EmptyReader returns EOF on every Read.
type EmptyReader[T any] struct{}

func (EmptyReader[T]) Read(ctx context.Context, out []T) (int, error) {
	return 0, EOF
}

// A CountingReader wraps a Reader and counts the records read through
// it.
type CountingReader[T any] struct {
	Reader[T]
	// N is the cumulative number of records read.
	N int64
}

// Read implements fetchio.Reader.
func (c *CountingReader[T]) Read(ctx context.Context, out []T) (int, error) {
	n, err := c.Reader.Read(ctx, out)
	c.N += int64(n)
	return n, err
}

// defaultChunksize is the I/O vector size used by ReadAll.
const defaultChunksize = 1024

// ReadAll reads r to completion, returning all of its records.
// ReadAll is not tuned for performance and is intended for testing.
func ReadAll[T any](ctx context.Context, r Reader[T]) ([]T, error) {
	var (
		recs []T
		buf  = make([]T, defaultChunksize)
	)
	for {
		n, err := r.Read(ctx, buf)
		recs = append(recs, buf[:n]...)
		if err == EOF {
			return recs, nil
		}
		if err != nil {
			return recs, err
		}
	}
}
