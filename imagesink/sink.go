package imagesink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Sink stores encoded pages under slash separated keys
type Sink interface {
	// Location returns the user facing location of a directory of keys
	Location(dir string) string
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Save encodes raw in the page's format and writes it to the sink
func Save(ctx context.Context, sink Sink, page Page, raw []byte) error {
	data, err := Encode(raw, page.Format)
	if err != nil {
		return err
	}
	return sink.Put(ctx, page.Key(), data, ContentType(page.Format))
}

// FileSink writes pages below a local root directory
type FileSink struct {
	root string
}

func NewFileSink(root string) *FileSink {
	return &FileSink{root: root}
}

func (f *FileSink) Location(dir string) string {
	return filepath.Join(f.root, filepath.FromSlash(dir))
}

// Put writes to a temp file first so a crash never leaves a truncated page
func (f *FileSink) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	outputPath := filepath.Join(f.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("error creating directory: %w", err)
	}
	tempOutputPath := outputPath + ".part"
	if err := os.WriteFile(tempOutputPath, data, 0o644); err != nil {
		return fmt.Errorf("error writing %s: %w", tempOutputPath, err)
	}
	if err := os.Rename(tempOutputPath, outputPath); err != nil {
		return fmt.Errorf("error renaming temp file: %w", err)
	}
	return nil
}
