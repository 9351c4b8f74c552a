// Package render cuts JPEG tiles out of a large source image with libvips.
// Level 0 is full resolution and every level above halves it, so the top level
// fits the whole image into a single tile.
package render

import (
	"context"
	"fmt"
	"math"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"farview/internal/dataset"
	"farview/internal/tile"
)

const (
	TileSize = 256
	Quality  = 82
)

// #ddd, since JPEG has no alpha channel to pad with
var background = []float64{221, 221, 221}

type Renderer struct {
	image  dataset.ImageInfo
	path   string
	limits tile.Limits
	logger *zap.Logger
}

func New(image dataset.ImageInfo, path string, logger *zap.Logger) *Renderer {
	return &Renderer{
		image:  image,
		path:   path,
		limits: LimitsFor(image.Width, image.Height),
		logger: logger.Named("render").With(zap.String("image", image.ID)),
	}
}

// MaxZoom is the number of times the image has to be halved until its longest
// side fits in one tile.
func MaxZoom(width, height int) int {
	maxDim := math.Max(float64(width), float64(height))
	maxZoom := int(math.Ceil(math.Log2(maxDim / TileSize)))
	if maxZoom < 0 {
		return 0
	}
	return maxZoom
}

// LimitsFor returns the tile bounds of every level of a width x height image.
func LimitsFor(width, height int) tile.Limits {
	levels := MaxZoom(width, height) + 1
	limits := make(tile.Limits, 0, levels)
	for lvl := 0; lvl < levels; lvl++ {
		span := TileSize << lvl
		limits = append(limits, tile.Bounds{
			MaxX: (width + span - 1) / span,
			MaxY: (height + span - 1) / span,
			MaxZ: 1,
		})
	}
	return limits
}

func (r *Renderer) Name() string {
	return "image"
}

func (r *Renderer) ContentType() string {
	return "image/jpeg"
}

func (r *Renderer) Limits() tile.Limits {
	return r.limits
}

func (r *Renderer) Image() dataset.ImageInfo {
	return r.image
}

func (r *Renderer) Generate(ctx context.Context, key tile.Key) ([]byte, error) {
	if !r.limits.Contains(key) {
		return nil, fmt.Errorf("tile %s outside image bounds", key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// how many source pixels one tile covers at this level
	pixelsPerTile := TileSize << key.Level

	startX := key.X * pixelsPerTile
	startY := key.Y * pixelsPerTile
	width := min(startX+pixelsPerTile, r.image.Width) - startX
	height := min(startY+pixelsPerTile, r.image.Height) - startY
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid tile bounds for %s", key)
	}

	image, err := dataset.Open(r.path, vips.AccessRandom)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	if err := image.ExtractArea(startX, startY, width, height); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	// Scale by the level, not the extracted size, so edge tiles keep the same
	// scale as their neighbours.
	if key.Level > 0 {
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := image.Resize(float64(TileSize)/float64(pixelsPerTile), resizeOpts); err != nil {
			return nil, fmt.Errorf("failed to resize: %w", err)
		}
	}

	// Edge tiles are padded at the bottom right to keep tile alignment.
	if image.Width() < TileSize || image.Height() < TileSize {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = background
		if err := image.Embed(0, 0, TileSize, TileSize, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	jpegOpts := vips.DefaultJpegsaveBufferOptions()
	jpegOpts.Q = Quality
	jpegOpts.Interlace = false

	data, err := image.JpegsaveBuffer(jpegOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	r.logger.Debug("Rendered tile", zap.Stringer("tile", key), zap.Int("bytes", len(data)))
	return data, nil
}
