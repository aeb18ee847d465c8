package model

// Job status
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusComplete   JobStatus = "complete"
	JobStatusError      JobStatus = "error"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition is accepted from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusComplete, JobStatusError, JobStatusCancelled:
		return true
	}
	return false
}

// Processing modes
type Mode string

const (
	ModeInstrumentalOnly Mode = "instrumental_only"
	ModeVocalsOnly       Mode = "vocals_only"
	ModeVideoNoVocals    Mode = "video_no_vocals"
	ModeVideoNoMusic     Mode = "video_no_music"
)

var ValidModes = []Mode{
	ModeInstrumentalOnly, ModeVocalsOnly, ModeVideoNoVocals, ModeVideoNoMusic,
}

// ParseMode maps a submitted mode string onto the enum.
func ParseMode(s string) (Mode, bool) {
	for _, m := range ValidModes {
		if string(m) == s {
			return m, true
		}
	}
	return "", false
}

// KeepsVocals reports whether the mode keeps the vocal stem rather than
// the instrumental one.
func (m Mode) KeepsVocals() bool {
	return m == ModeVocalsOnly || m == ModeVideoNoMusic
}

// Video reports whether the mode produces a video artifact (audio remuxed
// back into the source container).
func (m Mode) Video() bool {
	return m == ModeVideoNoVocals || m == ModeVideoNoMusic
}
