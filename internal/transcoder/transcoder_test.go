package transcoder

import (
	"strings"
	"testing"
)

func TestBuildArgsMJPEGDefaults(t *testing.T) {
	args := buildArgs(Options{SourceURL: "rtsp://cam/1", Mode: ModeMJPEG})
	joined := strings.Join(args, " ")

	for _, want := range []string{"rtsp://cam/1", "mjpeg", "yuvj420p", "800x600", "zerolatency", "low_delay", "nobuffer"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected mjpeg args to contain %q, got: %s", want, joined)
		}
	}
}

func TestBuildArgsStillIsSingleFrame(t *testing.T) {
	args := buildArgs(Options{SourceURL: "rtsp://cam/2", Mode: ModeStill})
	joined := strings.Join(args, " ")

	if !strings.Contains(joined, "-vframes 1") {
		t.Errorf("expected still args to request a single frame, got: %s", joined)
	}
	if strings.Contains(joined, "mjpeg") {
		t.Errorf("still mode should not request the mjpeg pipe encoder, got: %s", joined)
	}
}

func TestBuildArgsCustomDimensions(t *testing.T) {
	args := buildArgs(Options{SourceURL: "rtsp://cam/3", Mode: ModeMJPEG, Width: 320, Height: 240, FPS: 10, Quality: 10})
	joined := strings.Join(args, " ")
	for _, want := range []string{"320x240", "-r 10", "-q:v 10"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected args to contain %q, got: %s", want, joined)
		}
	}
}
