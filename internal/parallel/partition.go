package parallel

import "github.com/monoblaine/background-downloader/internal/domain"

// DefaultChunkCount is used when a parallel download does not name one.
const DefaultChunkCount = 4

// partitionRanges splits [0, total) into n contiguous, non-overlapping
// inclusive ranges. When the server does not accept ranges or the length is
// unknown, the transfer degrades to a single open-ended chunk.
func partitionRanges(total int64, acceptRanges bool, n int) []domain.Chunk {
	if !acceptRanges || total <= 0 {
		return []domain.Chunk{{RangeStart: 0, RangeEnd: -1}}
	}
	if n <= 0 {
		n = DefaultChunkCount
	}
	if int64(n) > total {
		n = int(total)
	}

	base := total / int64(n)
	extra := total % int64(n)
	chunks := make([]domain.Chunk, 0, n)
	var start int64
	for i := 0; i < n; i++ {
		size := base
		if int64(i) < extra {
			size++
		}
		chunks = append(chunks, domain.Chunk{RangeStart: start, RangeEnd: start + size - 1})
		start += size
	}
	return chunks
}
