package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/AsianManiac/webtoon-scraper/models"
	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

var episodeNoPattern = regexp.MustCompile(`episode_no=(\d+)`)

// Webtoons scrapes series pages and chapter viewers of webtoons.com
type Webtoons struct {
	client            *HTTPClient
	seriesURLTemplate string
	referer           string
	log               zerolog.Logger
}

// NewWebtoons creates an extractor. seriesURLTemplate receives the series id
// through a single %d verb.
func NewWebtoons(client *HTTPClient, seriesURLTemplate, referer string, log zerolog.Logger) *Webtoons {
	return &Webtoons{
		client:            client,
		seriesURLTemplate: seriesURLTemplate,
		referer:           referer,
		log:               log,
	}
}

func (w *Webtoons) document(ctx context.Context, url string) (*goquery.Document, error) {
	body, err := w.client.Get(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", url, err)
	}
	return doc, nil
}

func (w *Webtoons) Series(ctx context.Context, seriesID int64) (*Series, error) {
	fail := func(err error) error {
		return &models.ExtractionError{SeriesID: seriesID, Op: "series", Err: err}
	}

	seriesURL := fmt.Sprintf(w.seriesURLTemplate, seriesID)
	doc, err := w.document(ctx, seriesURL)
	if err != nil {
		return nil, fail(err)
	}

	title, _ := doc.Find(`meta[property="og:title"]`).Attr("content")
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fail(errors.New("series title not found"))
	}

	href, _ := doc.Find("li[data-episode-no]").First().Find("a").Attr("href")
	viewerURL := strings.SplitN(href, "&", 2)[0]
	if viewerURL == "" {
		return nil, fail(errors.New("chapter viewer url not found"))
	}

	first, err := w.firstEpisode(ctx, doc, seriesURL)
	if err != nil {
		return nil, fail(err)
	}

	w.log.Debug().Int64("series_id", seriesID).Str("title", title).Int("first_episode", first).Msg("Resolved series")
	return &Series{
		ID:           seriesID,
		Title:        title,
		URL:          seriesURL,
		ViewerURL:    viewerURL,
		FirstEpisode: first,
	}, nil
}

// firstEpisode reads the "first episode" button and falls back to the lowest
// episode number on the last page of the list.
func (w *Webtoons) firstEpisode(ctx context.Context, doc *goquery.Document, seriesURL string) (int, error) {
	if href, ok := doc.Find("#_btnEpisode").Attr("href"); ok {
		if m := episodeNoPattern.FindStringSubmatch(href); m != nil {
			return strconv.Atoi(m[1])
		}
	}

	lastPage, err := w.document(ctx, seriesURL+"&page=9999")
	if err != nil {
		return 0, err
	}
	first := 0
	lastPage.Find("li[data-episode-no]").Each(func(_ int, s *goquery.Selection) {
		n, err := strconv.Atoi(s.AttrOr("data-episode-no", ""))
		if err != nil || n <= 0 {
			return
		}
		if first == 0 || n < first {
			first = n
		}
	})
	if first == 0 {
		return 0, errors.New("first episode not found")
	}
	return first, nil
}

func (w *Webtoons) viewerURL(series *Series, episodeNo int) string {
	return fmt.Sprintf("%s&episode_no=%d", series.ViewerURL, episodeNo)
}

func (w *Webtoons) Chapters(ctx context.Context, series *Series) ([]Chapter, error) {
	doc, err := w.document(ctx, w.viewerURL(series, series.FirstEpisode))
	if err != nil {
		return nil, &models.ExtractionError{SeriesID: series.ID, Op: "chapter list", Err: err}
	}

	var chapters []Chapter
	doc.Find(".episode_cont li").Each(func(i int, s *goquery.Selection) {
		episodeNo, _ := strconv.Atoi(s.AttrOr("data-episode-no", "0"))
		chapters = append(chapters, Chapter{
			Number:    i + 1,
			EpisodeNo: episodeNo,
			Title:     strings.TrimSpace(s.Find("span.subj").Text()),
			URL:       s.Find("a").AttrOr("href", ""),
		})
	})
	if len(chapters) == 0 {
		return nil, &models.ExtractionError{SeriesID: series.ID, Op: "chapter list", Err: errors.New("no chapters found")}
	}
	return chapters, nil
}

func (w *Webtoons) ImageURLs(ctx context.Context, series *Series, chapter Chapter) ([]string, error) {
	fail := func(err error) error {
		return &models.ExtractionError{SeriesID: series.ID, Chapter: chapter.Number, Op: "image urls", Err: err}
	}

	doc, err := w.document(ctx, w.viewerURL(series, chapter.EpisodeNo))
	if err != nil {
		return nil, fail(err)
	}

	var urls []string
	doc.Find(".viewer_img._img_viewer_area img").Each(func(_ int, s *goquery.Selection) {
		if u := strings.TrimSpace(s.AttrOr("data-url", "")); u != "" {
			urls = append(urls, u)
		}
	})
	if len(urls) == 0 {
		return nil, fail(errors.New("no images found"))
	}
	return urls, nil
}

// FetchImage downloads a page. The image host rejects requests without a referer.
func (w *Webtoons) FetchImage(ctx context.Context, url string) ([]byte, error) {
	return w.client.Get(ctx, url, map[string]string{"Referer": w.referer})
}
