package clipboard

import "testing"

func TestImageFormatExtension(t *testing.T) {
	cases := map[ImageFormat]string{
		FormatPNG:  ".png",
		FormatJPEG: ".jpg",
		FormatGIF:  ".gif",
		FormatWebP: ".webp",
		"unknown":  ".png",
	}
	for format, want := range cases {
		if got := format.ext(); got != want {
			t.Errorf("ext(%q) = %q, want %q", format, got, want)
		}
	}
}

func TestMimeForKnownAndUnknownFormats(t *testing.T) {
	if mimeFor(FormatPNG) != "image/png" {
		t.Fatalf("expected image/png")
	}
	if mimeFor("bogus") != "image/png" {
		t.Fatalf("expected image/png fallback for unknown format")
	}
}

func TestGetBackendRejectsUnknownTool(t *testing.T) {
	if _, err := GetBackend(PlatformInfo{ClipboardTool: "notatool"}); err == nil {
		t.Fatalf("expected an error for an unknown clipboard tool")
	}
}
