// Package dataset finds the source images that tiles are rendered from. Every
// image is renamed to a UUID on first sight and described by a JSON sidecar.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cshum/vipsgen/vips"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNoImages = errors.New("dataset has no images")

var extensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

type ImageInfo struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bytes            int64  `json:"bytes"`
}

type Scanner struct {
	dataDir string
	logger  *zap.Logger

	mu     sync.RWMutex
	images []ImageInfo
}

func New(dataDir string, logger *zap.Logger) *Scanner {
	return &Scanner{
		dataDir: dataDir,
		logger:  logger.Named("dataset"),
	}
}

func (s *Scanner) Scan() error {
	if err := s.cleanupOrphanedJSON(); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	var images []ImageInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.filePath(entry.Name())
		ext := strings.ToLower(filepath.Ext(path))
		if !extensions[ext] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), ext)
		jsonPath := s.filePath(basename + ".json")

		if _, err := os.Stat(jsonPath); err == nil {
			meta, err := s.loadMetadata(jsonPath)
			if err != nil {
				s.logger.Warn("Failed to load metadata, skipping", zap.String("json_path", jsonPath), zap.Error(err))
				continue
			}
			images = append(images, *meta)
			continue
		}

		meta, err := s.adopt(path, ext, info)
		if err != nil {
			s.logger.Warn("Failed to adopt image", zap.String("path", path), zap.Error(err))
			continue
		}
		images = append(images, *meta)
	}

	slices.SortFunc(images, func(a, b ImageInfo) int {
		return strings.Compare(a.OriginalFilename, b.OriginalFilename)
	})

	s.mu.Lock()
	s.images = images
	s.mu.Unlock()

	s.logger.Info("Dataset scanned", zap.String("dir", s.dataDir), zap.Int("images", len(images)))
	return nil
}

// adopt renames a new image to a UUID and writes its metadata.
func (s *Scanner) adopt(path, ext string, info os.FileInfo) (*ImageInfo, error) {
	id := uuid.New().String()
	finalPath := s.filePath(id + ext)

	width, height, err := probe(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	if err := os.Rename(path, finalPath); err != nil {
		return nil, fmt.Errorf("failed to rename file: %w", err)
	}
	s.logger.Info("Migrated file to UUID", zap.String("old_path", path), zap.String("new_path", finalPath))

	meta := &ImageInfo{
		ID:               id,
		OriginalFilename: filepath.Base(path),
		CurrentFilename:  filepath.Base(finalPath),
		Width:            width,
		Height:           height,
		Bytes:            info.Size(),
	}

	jsonPath := s.filePath(id + ".json")
	if err := s.saveMetadata(jsonPath, meta); err != nil {
		s.logger.Warn("Failed to save metadata", zap.String("json_path", jsonPath), zap.Error(err))
	} else {
		s.logger.Info("Created metadata file", zap.String("json_path", jsonPath))
	}
	return meta, nil
}

// cleanupOrphanedJSON removes sidecars that are unreadable, name the wrong ID,
// or describe an image that no longer exists.
func (s *Scanner) cleanupOrphanedJSON() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || strings.ToLower(filepath.Ext(entry.Name())) != ".json" {
			continue
		}

		path := s.filePath(entry.Name())
		basename := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))

		reason := ""
		meta, err := s.loadMetadata(path)
		switch {
		case err != nil:
			reason = "invalid"
		case meta.ID != basename:
			reason = "uuid mismatch"
		default:
			if _, err := os.Stat(s.filePath(meta.CurrentFilename)); err != nil {
				reason = "orphaned"
			}
		}
		if reason == "" {
			continue
		}

		if err := os.Remove(path); err != nil {
			s.logger.Warn("Failed to delete metadata", zap.String("path", path), zap.String("reason", reason), zap.Error(err))
		} else {
			s.logger.Info("Deleted metadata", zap.String("path", path), zap.String("reason", reason))
		}
	}
	return nil
}

func (s *Scanner) Images() []ImageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.images)
}

// Find looks an image up by ID or by its original file name. An empty name
// selects the first image.
func (s *Scanner) Find(name string) (ImageInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.images) == 0 {
		return ImageInfo{}, ErrNoImages
	}
	if name == "" {
		return s.images[0], nil
	}
	for _, img := range s.images {
		if img.ID == name || img.OriginalFilename == name {
			return img, nil
		}
	}
	return ImageInfo{}, fmt.Errorf("image not found: %s", name)
}

func (s *Scanner) Path(img ImageInfo) string {
	return s.filePath(img.CurrentFilename)
}

func (s *Scanner) filePath(filename string) string {
	return filepath.Join(s.dataDir, filename)
}

func (s *Scanner) loadMetadata(path string) (*ImageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta ImageInfo
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &meta, nil
}

func (s *Scanner) saveMetadata(path string, meta *ImageInfo) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func probe(path string) (int, int, error) {
	image, err := Open(path, vips.AccessSequential)
	if err != nil {
		return 0, 0, err
	}
	defer image.Close()
	return image.Width(), image.Height(), nil
}

// Open loads an image with the loader matching its extension.
func Open(path string, access vips.Access) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
