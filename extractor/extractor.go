// Package extractor resolves series metadata, chapter lists and page images
// from the content source.
package extractor

import "context"

type Series struct {
	ID        int64
	Title     string
	URL       string
	ViewerURL string
	// FirstEpisode is the source's episode number of the first chapter
	FirstEpisode int
}

// Chapter is an entry of the ordered chapter list. Number is the 1-based
// position in the list, EpisodeNo the identifier used by the source.
type Chapter struct {
	Number    int
	EpisodeNo int
	Title     string
	URL       string
}

// Extractor is implemented by content sources. Failures to resolve metadata,
// the chapter list or image URLs are returned as *models.ExtractionError.
type Extractor interface {
	Series(ctx context.Context, seriesID int64) (*Series, error)
	Chapters(ctx context.Context, series *Series) ([]Chapter, error)
	ImageURLs(ctx context.Context, series *Series, chapter Chapter) ([]string, error)
	FetchImage(ctx context.Context, url string) ([]byte, error)
}
