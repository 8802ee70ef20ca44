package plugins

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"plugin-runner/internal/config"
	"plugin-runner/internal/plugin"
)

// ImageResizer downloads an image, optionally grayscales it, resizes it and
// stages the result.
type ImageResizer struct {
	httpClient    *http.Client
	maxBytes      int64
	maxDimension  int
	maxPixels     int64
	defaultWidth  int
	defaultHeight int
}

type imageParams struct {
	SourceURL  string
	OutputName string
	Width      int
	Height     int
	Grayscale  bool
}

func NewImageResizer(cfg config.Config) *ImageResizer {
	timeout := cfg.ImageDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	limit := cfg.ImageMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	maxDim := cfg.ImageMaxDimension
	if maxDim <= 0 {
		maxDim = 8192
	}
	maxPixels := cfg.ImageMaxPixels
	if maxPixels <= 0 {
		maxPixels = 50_000_000
	}
	return &ImageResizer{
		httpClient:    &http.Client{Timeout: timeout},
		maxBytes:      limit,
		maxDimension:  maxDim,
		maxPixels:     maxPixels,
		defaultWidth:  cfg.ImageDefaultWidth,
		defaultHeight: cfg.ImageDefaultHeight,
	}
}

func (h *ImageResizer) Plugin() plugin.Plugin {
	return plugin.Plugin{
		Name:        "resize_image",
		Version:     "1.0.0",
		Title:       "Resize image",
		Description: "Downloads an image and stores a resized copy.",
		Type:        plugin.TypeConversion,
		Tags:        []string{"image"},
		Inputs: []plugin.Field{
			{Name: "source_url", Label: "Source URL", Description: "Image to download.", Required: true},
			{Name: "width", Label: "Width", Description: "Target width in pixels."},
			{Name: "height", Label: "Height", Description: "Target height in pixels."},
			{Name: "grayscale", Label: "Grayscale", Description: "Convert to grayscale."},
			{Name: "output_name", Label: "Output name", Description: "Artifact name, e.g. thumb.png."},
		},
		Outputs: []plugin.DataMetadata{{DataType: "image", ContentTypes: []string{"image/png", "image/jpeg", "image/gif", "image/tiff"}, Required: true}},
		Run:     h.Handle,
	}
}

// Handle downloads, transforms, and stages a single image.
func (h *ImageResizer) Handle(ctx context.Context, params plugin.Params, out *plugin.Output) error {
	p, err := h.decode(params)
	if err != nil {
		return err
	}

	data, contentType, err := h.download(ctx, p.SourceURL)
	if err != nil {
		return err
	}

	// Check the declared size before decode allocates the full bitmap.
	src, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image header: %w", err)
	}
	if int64(src.Width)*int64(src.Height) > h.maxPixels {
		return fmt.Errorf("source image %dx%d exceeds %d pixels", src.Width, src.Height, h.maxPixels)
	}
	if err := h.checkTarget(src.Width, src.Height, p.Width, p.Height); err != nil {
		return err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	if p.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, p.Width, p.Height, imaging.Lanczos)

	outputFormat := chooseFormat(p.OutputName, format, contentType)
	name := p.OutputName
	if name == "" {
		name = "resized." + formatExtension(outputFormat)
	}

	w, err := out.Create(name, "image", mimeForFormat(outputFormat))
	if err != nil {
		return err
	}
	if err := imaging.Encode(w, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	return nil
}

func (h *ImageResizer) decode(params plugin.Params) (imageParams, error) {
	p := imageParams{
		SourceURL:  params.String("source_url"),
		OutputName: params.String("output_name"),
	}
	if p.SourceURL == "" {
		return p, errors.New("source_url is required")
	}
	var err error
	if p.Width, err = params.Int("width"); err != nil {
		return p, err
	}
	if p.Height, err = params.Int("height"); err != nil {
		return p, err
	}
	if p.Grayscale, err = params.Bool("grayscale"); err != nil {
		return p, err
	}
	if p.Width < 0 || p.Height < 0 {
		return p, errors.New("width and height must not be negative")
	}
	if p.Width > h.maxDimension || p.Height > h.maxDimension {
		return p, fmt.Errorf("width and height must be at most %d", h.maxDimension)
	}
	if p.Width == 0 && p.Height == 0 {
		p.Width, p.Height = h.defaultWidth, h.defaultHeight
	}
	if p.Width == 0 && p.Height == 0 {
		p.Width = 320
	}
	return p, nil
}

// checkTarget computes the output size the way imaging.Resize does when one
// side is 0 and rejects it if it is over the limits.
func (h *ImageResizer) checkTarget(srcW, srcH, w, hgt int) error {
	if srcW <= 0 || srcH <= 0 {
		return fmt.Errorf("source image has no pixels (%dx%d)", srcW, srcH)
	}
	switch {
	case w == 0:
		w = int(float64(hgt) * float64(srcW) / float64(srcH))
	case hgt == 0:
		hgt = int(float64(w) * float64(srcH) / float64(srcW))
	}
	if w > h.maxDimension || hgt > h.maxDimension || int64(w)*int64(hgt) > h.maxPixels {
		return fmt.Errorf("resized image %dx%d exceeds limits", w, hgt)
	}
	return nil
}

func (h *ImageResizer) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > h.maxBytes {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", h.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputName, decodeFormat, contentType string) imaging.Format {
	if f, err := imaging.FormatFromFilename(outputName); err == nil && outputName != "" {
		return f
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	case imaging.BMP:
		return "image/bmp"
	default:
		return "image/jpeg"
	}
}
