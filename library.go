package snapseek

import (
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	// Decoders registered for image.DecodeConfig. JPEG and PNG come from
	// the standard library, WebP and BMP from x/image.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".bmp":  true,
}

// ScanLibrary walks the image library at root and returns the image files
// it holds in lexical path order, which is the discovery order the cache
// preserves. A missing or non-directory root returns ErrNotFound.
func ScanLibrary(root string) ([]ImageFile, error) {
	fi, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("library %q: %w", root, ErrNotFound)
		}
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("library %q is not a directory: %w", root, ErrNotFound)
	}

	var files []ImageFile
	err = filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !imageExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		// Corrupt or truncated headers get recorded with zero dimensions,
		// the describer decides later whether the bytes are usable.
		w, h, _ := imageDimensions(path)

		files = append(files, ImageFile{
			Source: path,
			Origin: "local",
			Path:   path,
			Width:  w,
			Height: h,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// imageDimensions returns the pixel dimensions of the image at path without
// decoding the full image.
func imageDimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
