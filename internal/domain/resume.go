package domain

import "errors"

// SimpleResume captures where a single-stream transfer stopped. Data is
// opaque to the orchestrator; the HTTP executor stores its partial-file
// path and validator there.
type SimpleResume struct {
	Data       []byte `json:"data,omitempty"`
	TempPath   string `json:"temp_path,omitempty"`
	BytesSoFar int64  `json:"bytes_so_far"`
	ETag       string `json:"etag,omitempty"`
}

// ChunkResume records one chunk's position inside a composite token. A nil
// Token means the chunk could not report in time and restarts its range at
// RangeStart+BytesDone.
type ChunkResume struct {
	RangeStart int64         `json:"range_start"`
	RangeEnd   int64         `json:"range_end"`
	BytesDone  int64         `json:"bytes_done"`
	Token      *SimpleResume `json:"token,omitempty"`
}

// ChunkedResume is the composite token a parallel download pauses into,
// ordered by range start.
type ChunkedResume struct {
	TotalBytes int64         `json:"total_bytes"`
	Chunks     []ChunkResume `json:"chunks"`
}

// BytesDone sums the confirmed progress across all chunks.
func (c *ChunkedResume) BytesDone() int64 {
	var n int64
	for _, ch := range c.Chunks {
		n += ch.BytesDone
	}
	return n
}

// ResumeToken is the typed one-of handed across the host boundary: exactly
// one of Simple or Chunked is set. Resume-path logic branches on which.
type ResumeToken struct {
	Simple  *SimpleResume  `json:"simple,omitempty"`
	Chunked *ChunkedResume `json:"chunked,omitempty"`
}

// Validate rejects tokens with both or neither variant set.
func (r *ResumeToken) Validate() error {
	if r == nil {
		return errors.New("resume token is nil")
	}
	if r.Simple != nil && r.Chunked != nil {
		return errors.New("resume token carries both simple and chunked data")
	}
	if r.Simple == nil && r.Chunked == nil {
		return errors.New("resume token carries no data")
	}
	return nil
}

// IsChunked reports whether the token resumes a parallel download.
func (r *ResumeToken) IsChunked() bool {
	return r != nil && r.Chunked != nil
}
