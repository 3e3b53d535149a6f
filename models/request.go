package models

import (
	"errors"
	"fmt"
)

// ImageFormat is the on-disk encoding of downloaded pages
type ImageFormat string

const (
	FormatJPG ImageFormat = "jpg"
	FormatPNG ImageFormat = "png"
)

// DownloadRequest is the submission payload. A queue entry carries a copy
// narrowed to a single series in SeriesID.
type DownloadRequest struct {
	SeriesIDs             []int64     `json:"seriesIds"`
	SeriesID              int64       `json:"seriesId,omitempty"`
	StartChapter          int         `json:"startChapter,omitempty"`
	EndChapter            int         `json:"endChapter,omitempty"`
	DownloadLatestChapter bool        `json:"downloadLatestChapter"`
	SeparateChapters      bool        `json:"separateChapters"`
	ImagesFormat          ImageFormat `json:"imagesFormat,omitempty"`
}

// Validate checks the request and fills defaults
func (r *DownloadRequest) Validate() error {
	if len(r.SeriesIDs) == 0 && r.SeriesID == 0 {
		return errors.New("at least one series id is required")
	}
	for _, id := range r.SeriesIDs {
		if id <= 0 {
			return fmt.Errorf("invalid series id %d", id)
		}
	}
	if r.StartChapter < 0 || r.EndChapter < 0 {
		return errors.New("chapter bounds must be positive")
	}
	if r.StartChapter > 0 && r.EndChapter > 0 && r.EndChapter < r.StartChapter {
		return fmt.Errorf("end chapter %d is before start chapter %d", r.EndChapter, r.StartChapter)
	}
	switch r.ImagesFormat {
	case "":
		r.ImagesFormat = FormatJPG
	case FormatJPG, FormatPNG:
	default:
		return fmt.Errorf("unsupported images format %q", r.ImagesFormat)
	}
	return nil
}

// ForSeries returns a copy of the request scoped to one series
func (r DownloadRequest) ForSeries(seriesID int64) DownloadRequest {
	out := r
	out.SeriesIDs = []int64{seriesID}
	out.SeriesID = seriesID
	return out
}

// FirstChapter is the configured start chapter, defaulting to 1
func (r DownloadRequest) FirstChapter() int {
	if r.StartChapter > 0 {
		return r.StartChapter
	}
	return 1
}
