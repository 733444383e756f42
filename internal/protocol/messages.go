package protocol

import "time"

// LabelUpdate mirrors the label/confidence indicator.
type LabelUpdate struct {
	Target    string    `json:"target"`
	Text      string    `json:"text"`
	Percent   int       `json:"percent"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptUpdate mirrors the spoken-text transcription line.
type TranscriptUpdate struct {
	Target    string    `json:"target"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusUpdate carries camera/model/recognition status lines.
type StatusUpdate struct {
	Target    string    `json:"target"`
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Detection is published for every stable detection and typed announcement.
type Detection struct {
	SessionID  string    `json:"session_id"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Typed      bool      `json:"typed,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AudioChunk carries synthesized PCM for remote players.
type AudioChunk struct {
	UtteranceID string `json:"utterance_id"`
	Target      string `json:"target"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	Sequence    int    `json:"sequence"`
	PCM         []byte `json:"pcm"`
	Final       bool   `json:"final"`
}

// TTSStatus reports the end of an utterance, either completed or interrupted.
type TTSStatus struct {
	UtteranceID string    `json:"utterance_id"`
	Target      string    `json:"target"`
	Completed   bool      `json:"completed"`
	Interrupted bool      `json:"interrupted,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectDisplayLabel      = "sign.display.label"
	SubjectDisplayTranscript = "sign.display.transcript"
	SubjectStatus            = "sign.status"
	SubjectDetection         = "sign.detection"
	SubjectTTSAudio          = "tts.audio.out"
	SubjectTTSDone           = "tts.done"
)
