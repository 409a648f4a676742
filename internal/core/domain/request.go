package domain

import "time"

// FetchSource records which strategy resolved a fetch.
type FetchSource string

const (
	SourceCache FetchSource = "cache"
	SourcePeer  FetchSource = "peer"
	SourceServer FetchSource = "server"
)

// FetchResult is what the Fetch Arbiter hands back to a caller.
type FetchResult struct {
	Segment   SegmentDescriptor
	Bytes     []byte
	Source    FetchSource
	LatencyMs float64
}

// PendingSegmentRequest tracks one outstanding request awaiting resolution.
type PendingSegmentRequest struct {
	RequestID string
	Key       string // segment cache key this request resolves
	Resolve   func(FetchResult)
	Reject    func(error)
	Deadline  time.Time
	StartedAt time.Time
}

// AppendRequest is one unit of work for the Buffer Controller's append queue.
type AppendRequest struct {
	Segment     SegmentDescriptor
	Bytes       []byte
	Priority    int
	ForSeek     bool
	EnqueuedAt  time.Time
}

// AppendQueueState is the Buffer Controller's ordered pending list plus
// bookkeeping required by I1/I6.
type AppendQueueState struct {
	Pending           []AppendRequest
	Appending         bool
	Appended          map[string]struct{} // "qualityId:segmentId"
	NextExpectedIndex int
}

// AppendedKey is the canonical key for the appended-set.
func AppendedKey(quality QualityID, segmentID string) string {
	return string(quality) + ":" + segmentID
}
