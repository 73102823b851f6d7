package snapseek

import (
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
}

func writeJPEG(t *testing.T, path string, w, h int) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h)), nil); err != nil {
		t.Fatal(err)
	}
}

func TestScanLibrary(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		_, err := ScanLibrary(filepath.Join(t.TempDir(), "nope"))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("root is a file", func(t *testing.T) {
		dir := t.TempDir()
		fname := filepath.Join(dir, "file.txt")
		if err := os.WriteFile(fname, []byte("hi"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := ScanLibrary(fname)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("lists images in lexical order with dimensions", func(t *testing.T) {
		dir := t.TempDir()
		writePNG(t, filepath.Join(dir, "b.png"), 640, 480)
		writeJPEG(t, filepath.Join(dir, "a.jpg"), 320, 200)
		writeJPEG(t, filepath.Join(dir, "c.JPEG"), 100, 100)
		if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o644); err != nil {
			t.Fatal(err)
		}

		files, err := ScanLibrary(dir)
		if err != nil {
			t.Fatalf("Unexpected error %s", err)
		}
		if expected, actual := 3, len(files); expected != actual {
			t.Fatalf("Expected %d files, got %d", expected, actual)
		}

		for i, name := range []string{"a.jpg", "b.png", "c.JPEG"} {
			if expected, actual := filepath.Join(dir, name), files[i].Path; expected != actual {
				t.Errorf("Position %d: expected %q, got %q", i, expected, actual)
			}
			if files[i].Source != files[i].Path {
				t.Errorf("Position %d: local source should equal path", i)
			}
			if files[i].Origin != "local" {
				t.Errorf("Position %d: expected origin local, got %q", i, files[i].Origin)
			}
		}
		if files[0].Width != 320 || files[0].Height != 200 {
			t.Errorf("Expected 320x200, got %dx%d", files[0].Width, files[0].Height)
		}
		if files[1].Width != 640 || files[1].Height != 480 {
			t.Errorf("Expected 640x480, got %dx%d", files[1].Width, files[1].Height)
		}
	})

	t.Run("corrupt image still listed", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "broken.jpg"), []byte("not a jpeg"), 0o644); err != nil {
			t.Fatal(err)
		}

		files, err := ScanLibrary(dir)
		if err != nil {
			t.Fatalf("Unexpected error %s", err)
		}
		if expected, actual := 1, len(files); expected != actual {
			t.Fatalf("Expected %d file, got %d", expected, actual)
		}
		if files[0].Width != 0 || files[0].Height != 0 {
			t.Errorf("Expected zero dimensions, got %dx%d", files[0].Width, files[0].Height)
		}
	})
}
