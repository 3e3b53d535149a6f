// Package imagesink encodes downloaded pages and writes them to their output location.
package imagesink

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/AsianManiac/webtoon-scraper/models"
)

var (
	invalidSlugChars = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugSpaces       = regexp.MustCompile(`\s+`)
	slugDashes       = regexp.MustCompile(`-+`)
)

// Slugify turns a series title into a folder name
func Slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = invalidSlugChars.ReplaceAllString(s, "")
	s = slugSpaces.ReplaceAllString(s, "-")
	s = slugDashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "untitled"
	}
	return s
}

// ChapterDir is the slash separated directory holding the pages of a chapter
func ChapterDir(seriesTitle string, chapter int, separate bool) string {
	if separate {
		return path.Join(Slugify(seriesTitle), fmt.Sprintf("Chapter_%d", chapter))
	}
	return Slugify(seriesTitle)
}

// Page identifies one image of a chapter
type Page struct {
	SeriesTitle      string
	Chapter          int
	Number           int
	Format           models.ImageFormat
	SeparateChapters bool
}

func (p Page) FileName() string {
	return fmt.Sprintf("%03d_%d.%s", p.Chapter, p.Number, p.Format)
}

// CoverKey is where the thumbnail of a chapter is stored
func CoverKey(seriesTitle string, chapter int, separate bool) string {
	return path.Join(ChapterDir(seriesTitle, chapter, separate), fmt.Sprintf("coverImage%d.jpg", chapter))
}

// Key is the slash separated path of the page relative to the sink root
func (p Page) Key() string {
	return path.Join(ChapterDir(p.SeriesTitle, p.Chapter, p.SeparateChapters), p.FileName())
}
