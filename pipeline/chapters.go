package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/AsianManiac/webtoon-scraper/extractor"
	"github.com/AsianManiac/webtoon-scraper/models"
)

// ResolveResumePoint returns the first chapter, counting up from the request's
// start chapter, that is not fully downloaded yet.
func (p *Pipeline) ResolveResumePoint(ctx context.Context, jobID string, req models.DownloadRequest) (int, error) {
	recs, err := p.store.ListChapters(ctx, jobID)
	if err != nil {
		return 0, err
	}
	completed := make(map[int]bool, len(recs))
	for _, rec := range recs {
		if rec.IsComplete() {
			completed[rec.ChapterNumber] = true
		}
	}
	next := req.FirstChapter()
	for completed[next] {
		next++
	}
	return next, nil
}

// FetchChapterList returns the chapters selected by the inclusive range
// [start, end]. end 0 means up to the last chapter. latestOnly selects only
// the most recent chapter.
func (p *Pipeline) FetchChapterList(ctx context.Context, series *extractor.Series, start, end int, latestOnly bool) ([]extractor.Chapter, error) {
	chapters, err := p.extractor.Chapters(ctx, series)
	if err != nil {
		return nil, err
	}
	return selectChapters(series.ID, chapters, start, end, latestOnly)
}

func selectChapters(seriesID int64, chapters []extractor.Chapter, start, end int, latestOnly bool) ([]extractor.Chapter, error) {
	if len(chapters) == 0 {
		return nil, &models.ExtractionError{SeriesID: seriesID, Op: "chapter list", Err: errors.New("no chapters found")}
	}
	if latestOnly {
		latest := chapters[len(chapters)-1]
		latest.Number = len(chapters)
		return []extractor.Chapter{latest}, nil
	}

	if start < 1 {
		start = 1
	}
	if end == 0 || end > len(chapters) {
		end = len(chapters)
	}
	if start > end {
		return nil, &models.ExtractionError{
			SeriesID: seriesID,
			Op:       "chapter list",
			Err:      fmt.Errorf("start chapter %d is past the last available chapter %d", start, end),
		}
	}
	return chapters[start-1 : end], nil
}
