package session

import (
	"log/slog"

	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/mediaconfig"
	"github.com/zsiec/reel/tswriter"
)

// Writer incrementally encodes one clip. Tracks are added before the first
// frame is written; Close finalizes the file.
type Writer interface {
	AddVideoTrack(settings mediaconfig.Settings, format media.VideoFormat) error
	AddAudioTrack(settings mediaconfig.Settings, format media.AudioFormat) error
	WriteVideo(frame *media.VideoFrame) error
	WriteAudio(frame *media.AudioFrame) error
	Close() error
}

// WriterFactory creates a Writer for a new clip file at path.
type WriterFactory func(path string) (Writer, error)

// TSWriterFactory returns a factory producing MPEG-TS clip writers.
func TSWriterFactory(log *slog.Logger) WriterFactory {
	return func(path string) (Writer, error) {
		return tswriter.New(path, tswriter.WithLogger(log))
	}
}
