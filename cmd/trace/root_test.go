package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(&exitError{code: 1, err: assert.AnError}))
	assert.Equal(t, 2, exitCode(assert.AnError))
}

func TestLooksMangled(t *testing.T) {
	assert.True(t, looksMangled("_ZN4core4fmt5Write9write_fmt17h1a2b3c4d5e6f7g8hE"))
	assert.True(t, looksMangled("_RNvC7mycrate4main"))
	assert.False(t, looksMangled("main"))
}

func TestBytesPerLineFallsBackWhenNotATerminal(t *testing.T) {
	// Under `go test`, stdout is typically a pipe rather than a tty, so
	// the ioctl fails and bytesPerLine must fall back rather than panic
	// or return a nonsensical width.
	got := bytesPerLine()
	assert.GreaterOrEqual(t, got, int64(8))
}
