package capture_test

import (
	"testing"

	"github.com/zsiec/reel/capture"
)

func TestModeNames(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mode    capture.Mode
		video   bool
		audio   bool
		records bool
	}{
		{capture.ModeVideo, true, true, true},
		{capture.ModePhoto, true, false, false},
		{capture.ModeAudio, false, true, true},
		{capture.ModeVideoWithoutAudio, true, false, true},
		{capture.ModeMovie, true, true, true},
		{capture.ModeARTracking, true, true, true},
	}
	for _, tt := range tests {
		got, err := capture.ParseMode(tt.mode.String())
		if err != nil || got != tt.mode {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", tt.mode.String(), got, err, tt.mode)
		}
		if tt.mode.NeedsVideo() != tt.video || tt.mode.NeedsAudio() != tt.audio || tt.mode.Records() != tt.records {
			t.Errorf("%s: got video=%v audio=%v records=%v, want %v %v %v", tt.mode,
				tt.mode.NeedsVideo(), tt.mode.NeedsAudio(), tt.mode.Records(), tt.video, tt.audio, tt.records)
		}
	}
	if _, err := capture.ParseMode("slowmo"); err == nil {
		t.Error("ParseMode accepted an unknown mode")
	}
}

func TestOrientationRotation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		want int
	}{
		{"portrait", 90},
		{"portrait-upside-down", 270},
		{"landscape-right", 0},
		{"landscape-left", 180},
		{"", 0},
	}
	for _, tt := range tests {
		o, err := capture.ParseOrientation(tt.name)
		if err != nil {
			t.Fatalf("ParseOrientation(%q): %v", tt.name, err)
		}
		if got := o.Rotation(); got != tt.want {
			t.Errorf("%q: got rotation %d, want %d", tt.name, got, tt.want)
		}
	}
	if _, err := capture.ParseOrientation("face-up"); err == nil {
		t.Error("ParseOrientation accepted face-up")
	}
}

// Not parallel: Shared is process-wide.
func TestShared(t *testing.T) {
	c := capture.New(capture.Options{})
	t.Cleanup(c.Close)
	capture.SetShared(c)
	t.Cleanup(func() { capture.SetShared(nil) })

	if got := capture.Shared(); got != c {
		t.Errorf("Shared() = %p, want the installed %p", got, c)
	}
	capture.SetShared(nil)
	d := capture.Shared()
	if d == nil || d == c {
		t.Fatalf("Shared() after reset = %p", d)
	}
	defer d.Close()
	if capture.Shared() != d {
		t.Error("Shared() created a second controller")
	}
}
