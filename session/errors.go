package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNothingRecorded is returned when a clip ends without any frame
	// having been appended. The empty file is removed.
	ErrNothingRecorded = errors.New("session: nothing recorded")

	// ErrFileExists is returned by BeginClip when the next clip path is
	// already taken.
	ErrFileExists = errors.New("session: clip file already exists")

	// ErrNoClips is returned when merging an empty clip list.
	ErrNoClips = errors.New("session: no clips to merge")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")

	// ErrMixedCodecs is returned when merging clips whose video codecs
	// differ.
	ErrMixedCodecs = errors.New("session: clips use different video codecs")
)

// WriterError reports a failure creating, configuring, or finishing a clip
// writer.
type WriterError struct {
	Path string
	Op   string
	Err  error
}

func (e *WriterError) Error() string {
	return fmt.Sprintf("session: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *WriterError) Unwrap() error { return e.Err }
