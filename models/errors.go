package models

import "fmt"

// ExtractionError means the content extractor could not resolve series
// metadata, the chapter list or a chapter's image URLs. Fatal to the job.
type ExtractionError struct {
	SeriesID int64
	Chapter  int
	Op       string
	Err      error
}

func (e *ExtractionError) Error() string {
	if e.Chapter > 0 {
		return fmt.Sprintf("extract %s for series %d chapter %d: %v", e.Op, e.SeriesID, e.Chapter, e.Err)
	}
	return fmt.Sprintf("extract %s for series %d: %v", e.Op, e.SeriesID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ImageFetchError means a single page failed to download or decode.
// The pipeline logs it and moves on to the next image.
type ImageFetchError struct {
	Chapter int
	Page    int
	URL     string
	Err     error
}

func (e *ImageFetchError) Error() string {
	return fmt.Sprintf("image %d of chapter %d (%s): %v", e.Page, e.Chapter, e.URL, e.Err)
}

func (e *ImageFetchError) Unwrap() error { return e.Err }

// PersistenceError wraps any failed store call
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ControlError is returned when a control command targets an unknown job or
// a job whose state does not admit the command. No state is mutated.
type ControlError struct {
	JobID  string
	Action string
	Status JobStatus
	Reason string
	Err    error
}

func (e *ControlError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s %s: %s (status %s)", e.Action, e.JobID, e.Reason, e.Status)
	}
	return fmt.Sprintf("%s %s: %s", e.Action, e.JobID, e.Reason)
}

func (e *ControlError) Unwrap() error { return e.Err }
