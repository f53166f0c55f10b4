// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
)

type outputKey struct{}

// Output captures what a job writes to its stdout and stderr writers.
type Output struct {
	stdout, stderr syncBuffer
	echo           bool
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewOutput creates a capture. With echo set, output is also copied to the
// process' stdout and stderr.
func NewOutput(echo bool) *Output {
	return &Output{echo: echo}
}

// Stdout returns the captured standard output.
func (o *Output) Stdout() string { return o.stdout.String() }

// Stderr returns the captured standard error.
func (o *Output) Stderr() string { return o.stderr.String() }

// WithOutput attaches a capture to ctx.
func WithOutput(ctx context.Context, o *Output) context.Context {
	return context.WithValue(ctx, outputKey{}, o)
}

// Stdout returns the writer a command should print its output to.
func Stdout(ctx context.Context) io.Writer {
	o, ok := ctx.Value(outputKey{}).(*Output)
	if !ok {
		return os.Stdout
	}
	if o.echo {
		return io.MultiWriter(&o.stdout, os.Stdout)
	}
	return &o.stdout
}

// Stderr returns the writer a command should print diagnostics to.
func Stderr(ctx context.Context) io.Writer {
	o, ok := ctx.Value(outputKey{}).(*Output)
	if !ok {
		return os.Stderr
	}
	if o.echo {
		return io.MultiWriter(&o.stderr, os.Stderr)
	}
	return &o.stderr
}
