package pakt

// ProgressEvent represents a progress update during encoding or extraction.
type ProgressEvent struct {
	// Stage identifies the current phase of the operation.
	Stage ProgressStage

	// Name is the member currently being processed, if applicable.
	Name string

	// BytesDone is the number of member bytes completed so far.
	BytesDone uint64

	// BytesTotal is the total member bytes for the operation.
	BytesTotal uint64

	// MembersDone is the number of members completed.
	MembersDone int

	// MembersTotal is the total number of members.
	MembersTotal int
}

// ProgressStage identifies the current phase of an operation.
type ProgressStage uint8

const (
	// StageWritingTable indicates the header and table are being written.
	StageWritingTable ProgressStage = iota

	// StageWritingData indicates member contents are being copied into the archive.
	StageWritingData

	// StageExtracting indicates members are being extracted to disk.
	StageExtracting
)

// String returns the string representation of the stage.
func (s ProgressStage) String() string {
	switch s {
	case StageWritingTable:
		return "writing table"
	case StageWritingData:
		return "writing data"
	case StageExtracting:
		return "extracting"
	default:
		return "unknown"
	}
}

// ProgressFunc receives progress updates during operations.
// Implementations must be safe for concurrent calls.
type ProgressFunc func(ProgressEvent)
