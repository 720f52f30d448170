package internal

import (
	"encoding/json"
	"time"
)

// ContentKind classifies resolved media
type ContentKind string

const (
	KindUnknown  ContentKind = ""
	KindVideo    ContentKind = "video"
	KindAudio    ContentKind = "audio"
	KindPlaylist ContentKind = "playlist"
	KindFile     ContentKind = "file"
)

// FormatInfo describes one downloadable rendition of a media item
type FormatInfo struct {
	ID       string `json:"format_id"`
	Ext      string `json:"ext,omitempty"`
	Size     int64  `json:"filesize,omitempty"`
	Note     string `json:"format_note,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

// MetadataRecord describes a resolved media item. Fields the downloader
// reads are typed; anything else the resolver reported survives in Extra.
type MetadataRecord struct {
	ID       string       `json:"id,omitempty"`
	Title    string       `json:"title,omitempty"`
	Duration float64      `json:"duration,omitempty"`
	Size     int64        `json:"filesize,omitempty"`
	Ext      string       `json:"ext,omitempty"`
	Uploader string       `json:"uploader,omitempty"`
	Kind     ContentKind  `json:"media_kind,omitempty"`
	Formats  []FormatInfo `json:"formats,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// recordFields is MetadataRecord without methods, used to avoid recursion
type recordFields MetadataRecord

var knownRecordKeys = map[string]bool{
	"id":         true,
	"title":      true,
	"duration":   true,
	"filesize":   true,
	"ext":        true,
	"uploader":   true,
	"media_kind": true,
	"formats":    true,
}

// MarshalJSON flattens Extra next to the typed fields
func (r MetadataRecord) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(recordFields(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(r.Extra)+len(knownRecordKeys))
	for k, v := range r.Extra {
		if !knownRecordKeys[k] {
			merged[k] = v
		}
	}
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	return json.Marshal(merged)
}

// UnmarshalJSON fills typed fields and keeps the remainder in Extra
func (r *MetadataRecord) UnmarshalJSON(data []byte) error {
	var fields recordFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	*r = MetadataRecord(fields)
	r.Extra = nil
	for k, v := range all {
		if knownRecordKeys[k] {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]json.RawMessage)
		}
		r.Extra[k] = v
	}
	return nil
}

// DisplayName returns the best human label for the record
func (r *MetadataRecord) DisplayName() string {
	if r == nil {
		return ""
	}
	if r.Title != "" {
		return r.Title
	}
	return r.ID
}

// SessionRecord is the resume marker for an interrupted or in-flight URL
type SessionRecord struct {
	URL              string    `json:"-"`
	ProgressFraction float64   `json:"progress_fraction"`
	BytesDownloaded  int64     `json:"bytes_downloaded,omitempty"`
	TotalBytes       int64     `json:"total_bytes,omitempty"`
	LastUpdated      time.Time `json:"last_updated"`
}

// ResourceSnapshot is a point-in-time view of system load. Known is false
// when sampling failed.
type ResourceSnapshot struct {
	CPUPercent      float64
	MemoryPercent   float64
	AvailableMemory uint64
	TotalMemory     uint64
	Timestamp       time.Time
	Known           bool
}

// ProgressFunc receives cumulative bytes and the total when known (0 otherwise)
type ProgressFunc func(downloaded, total int64)

// TransferRequest describes one transfer attempt
type TransferRequest struct {
	URL         string
	Destination string // output directory
	StartOffset int64  // 0 means from scratch
	ChunkSize   int
	Metadata    *MetadataRecord
}

// TransferResult reports where the bytes ended up
type TransferResult struct {
	Path    string
	Bytes   int64
	Resumed bool // executor honoured StartOffset
}
