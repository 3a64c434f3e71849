package upload

// ProgressSnapshot is an immutable point-in-time view of an upload session,
// produced on every state change and handed to the OnProgress callback.
type ProgressSnapshot struct {
	SessionID       string
	FileName        string
	TotalSize       int64
	ChunksUploaded  int
	TotalChunks     int
	PercentComplete float64
	IsComplete      bool
	Err             error
}

func makeSnapshot(session sessionInfo, chunksUploaded int, complete bool, err error) ProgressSnapshot {
	percent := float64(0)
	if session.totalChunks > 0 {
		percent = float64(chunksUploaded) / float64(session.totalChunks) * 100
	} else if complete {
		percent = 100
	}

	return ProgressSnapshot{
		SessionID:       session.id,
		FileName:        session.fileName,
		TotalSize:       session.totalSize,
		ChunksUploaded:  chunksUploaded,
		TotalChunks:     session.totalChunks,
		PercentComplete: percent,
		IsComplete:      complete,
		Err:             err,
	}
}
