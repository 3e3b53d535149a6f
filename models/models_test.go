package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseJobStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    JobStatus
		wantErr bool
	}{
		{"PENDING", StatusPending, false},
		{"IN_PROGRESS", StatusInProgress, false},
		{"PAUSED", StatusPaused, false},
		{"COMPLETED", StatusCompleted, false},
		{"ERROR", StatusError, false},
		{"pending", "", true},
		{"DONE", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseJobStatus(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseJobStatus(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseJobStatus(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusPaused, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusPaused, true},
		{StatusInProgress, StatusError, true},
		{StatusPaused, StatusInProgress, true},
		{StatusError, StatusPending, true},
		{StatusCompleted, StatusPending, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusPaused, StatusCompleted, false},
		{StatusError, StatusInProgress, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestEventType(t *testing.T) {
	tests := []struct {
		name  string
		event ProgressEvent
		want  EventType
	}{
		{"chapter progress", ProgressEvent{ChapterNumber: 3, Status: StatusInProgress}, EventProgress},
		{"chapter completed", ProgressEvent{ChapterNumber: 3, Status: StatusCompleted}, EventProgress},
		{"job completed", ProgressEvent{Status: StatusCompleted}, EventCompleted},
		{"job failed", ProgressEvent{Status: StatusError, Message: "boom"}, EventError},
		{"paused", ProgressEvent{Status: StatusPaused}, EventProgress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.Type(); got != tt.want {
				t.Errorf("Type() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEventEncode(t *testing.T) {
	e := ProgressEvent{JobID: "abc", SeriesID: 95, SeriesTitle: "Tower of God", ChapterNumber: 2, DownloadedImages: 4, TotalImages: 10, Status: StatusInProgress}
	data, err := e.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	want := map[string]any{
		"downloadId":       "abc",
		"type":             "PROGRESS_UPDATE",
		"chapter":          float64(2),
		"downloadedImages": float64(4),
		"totalImages":      float64(10),
		"status":           "IN_PROGRESS",
		"toonTitle":        "Tower of God",
		"webtoonId":        float64(95),
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("field %s = %v, want %v", k, got[k], v)
		}
	}
}

func TestDownloadRequestValidate(t *testing.T) {
	tests := []struct {
		name       string
		req        DownloadRequest
		wantErr    bool
		wantFormat ImageFormat
	}{
		{"defaults format", DownloadRequest{SeriesIDs: []int64{1}}, false, FormatJPG},
		{"png", DownloadRequest{SeriesIDs: []int64{1}, ImagesFormat: FormatPNG}, false, FormatPNG},
		{"no series", DownloadRequest{}, true, ""},
		{"bad series", DownloadRequest{SeriesIDs: []int64{0}}, true, ""},
		{"reversed range", DownloadRequest{SeriesIDs: []int64{1}, StartChapter: 5, EndChapter: 2}, true, ""},
		{"gif", DownloadRequest{SeriesIDs: []int64{1}, ImagesFormat: "gif"}, true, ""},
		{"range", DownloadRequest{SeriesIDs: []int64{1}, StartChapter: 2, EndChapter: 5}, false, FormatJPG},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && req.ImagesFormat != tt.wantFormat {
				t.Errorf("ImagesFormat = %q, want %q", req.ImagesFormat, tt.wantFormat)
			}
		})
	}
}

func TestChapterRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     ChapterRecord
		wantErr bool
	}{
		{"fresh", ChapterRecord{Status: StatusInProgress, TotalImages: 10}, false},
		{"partial", ChapterRecord{Status: StatusInProgress, DownloadedImages: 3, TotalImages: 10}, false},
		{"complete", ChapterRecord{Status: StatusCompleted, DownloadedImages: 10, TotalImages: 10}, false},
		{"overflow", ChapterRecord{Status: StatusInProgress, DownloadedImages: 11, TotalImages: 10}, true},
		{"negative", ChapterRecord{Status: StatusInProgress, DownloadedImages: -1, TotalImages: 10}, true},
		{"premature complete", ChapterRecord{Status: StatusCompleted, DownloadedImages: 9, TotalImages: 10}, true},
		{"empty complete", ChapterRecord{Status: StatusCompleted}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.rec.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	var err error = &ImageFetchError{Chapter: 1, Page: 2, URL: "http://x", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("ImageFetchError does not unwrap to its cause")
	}
	err = &ControlError{JobID: "j", Action: "retry", Status: StatusCompleted, Reason: "job is not in ERROR"}
	var cerr *ControlError
	if !errors.As(err, &cerr) || cerr.Status != StatusCompleted {
		t.Errorf("errors.As failed for ControlError: %v", err)
	}
}
