// Package capture produces the visible text and a bounded set of images of
// a web page, ready to be attached to a chat request.
package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif" // register decoder
	"image/jpeg"
	_ "image/png" // register decoder
	"regexp"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register decoder
)

const (
	// DefaultMaxImageWidth bounds the width of every attached image.
	DefaultMaxImageWidth = 1024
	// ScreenshotSource marks the viewport screenshot in Image.Source.
	ScreenshotSource = "screenshot"

	jpegQuality = 80
)

// Request describes what to capture.
type Request struct {
	URL           string
	MaxImages     int
	Screenshot    bool
	MaxImageWidth int
}

// Image is one encoded page image.
type Image struct {
	DataURL string `json:"data_url"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Size    int    `json:"size"`
	Source  string `json:"src"`
}

// Page is the captured content of a page.
type Page struct {
	URL    string  `json:"url,omitempty"`
	Text   string  `json:"text"`
	Images []Image `json:"images"`
}

// Capturer captures pages.
type Capturer interface {
	Capture(ctx context.Context, req Request) (Page, error)
}

// StaticCapturer returns the same page for every request, truncated to the
// requested image count.
type StaticCapturer struct {
	Page Page
}

// Capture implements Capturer.
func (s StaticCapturer) Capture(ctx context.Context, req Request) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	page := s.Page
	if page.URL == "" {
		page.URL = req.URL
	}
	page.Images = limitImages(page.Images, req.MaxImages)
	return page, nil
}

var whitespaceRun = regexp.MustCompile(`\s{2,}`)

// CollapseWhitespace folds runs of whitespace into one space and trims.
func CollapseWhitespace(text string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
}

// EncodeImage decodes data, scales it down to maxWidth keeping the aspect
// ratio and re-encodes it as a JPEG data URI.
func EncodeImage(data []byte, maxWidth int, source string) (Image, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("failed to decode image: %w", err)
	}
	if maxWidth <= 0 {
		maxWidth = DefaultMaxImageWidth
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return Image{}, fmt.Errorf("image %s is empty", source)
	}
	if w > maxWidth {
		h = int(float64(h)*float64(maxWidth)/float64(w) + 0.5)
		w = maxWidth
		if h < 1 {
			h = 1
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return Image{}, fmt.Errorf("failed to encode image: %w", err)
	}
	return Image{
		DataURL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		Width:   w,
		Height:  h,
		Size:    buf.Len(),
		Source:  source,
	}, nil
}

// decodeDataURL returns the payload of a base64 data URI.
func decodeDataURL(uri string) ([]byte, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, fmt.Errorf("not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("unsupported data URI encoding")
	}
	return base64.StdEncoding.DecodeString(payload)
}

func limitImages(images []Image, max int) []Image {
	if max <= 0 || len(images) <= max {
		return images
	}
	return images[:max]
}
