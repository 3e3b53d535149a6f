package models

import "encoding/json"

// EventType is the outbound message type seen by websocket clients
type EventType string

const (
	EventProgress  EventType = "PROGRESS_UPDATE"
	EventCompleted EventType = "DOWNLOAD_COMPLETED"
	EventError     EventType = "DOWNLOAD_ERROR"
)

// ProgressEvent describes incremental download state. It is never persisted.
type ProgressEvent struct {
	JobID            string
	SeriesID         int64
	SeriesTitle      string
	ChapterNumber    int
	DownloadedImages int
	TotalImages      int
	Status           JobStatus
	Message          string
}

// Type derives the outbound message type from the event status
func (e ProgressEvent) Type() EventType {
	switch e.Status {
	case StatusCompleted:
		if e.ChapterNumber == 0 {
			return EventCompleted
		}
	case StatusError:
		return EventError
	}
	return EventProgress
}

// Message is the wire form of a ProgressEvent on the control channel
type Message struct {
	DownloadID       string    `json:"downloadId"`
	Type             EventType `json:"type"`
	Chapter          int       `json:"chapter,omitempty"`
	TotalImages      int       `json:"totalImages,omitempty"`
	DownloadedImages int       `json:"downloadedImages,omitempty"`
	Status           JobStatus `json:"status"`
	Message          string    `json:"message,omitempty"`
	ToonTitle        string    `json:"toonTitle,omitempty"`
	WebtoonID        int64     `json:"webtoonId,omitempty"`
}

// ToMessage converts the event into its outbound wire form
func (e ProgressEvent) ToMessage() Message {
	return Message{
		DownloadID:       e.JobID,
		Type:             e.Type(),
		Chapter:          e.ChapterNumber,
		TotalImages:      e.TotalImages,
		DownloadedImages: e.DownloadedImages,
		Status:           e.Status,
		Message:          e.Message,
		ToonTitle:        e.SeriesTitle,
		WebtoonID:        e.SeriesID,
	}
}

// Encode marshals the outbound wire form
func (e ProgressEvent) Encode() ([]byte, error) {
	return json.Marshal(e.ToMessage())
}
