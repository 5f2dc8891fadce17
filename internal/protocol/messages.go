package protocol

import "time"

// AudioChunk represents one timed slice of microphone audio for a capture session.
type AudioChunk struct {
	SessionID      string `json:"session_id"`
	EncounterID    string `json:"encounter_id"`
	Sequence       int    `json:"sequence"`
	SampleRate     int    `json:"sample_rate"`
	Channels       int    `json:"channels"`
	PCM            []byte `json:"pcm"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	Final          bool   `json:"final"`
}

// TranscriptSegment represents recognition output broadcast on the bus.
// Interim segments supersede each other; final segments are committed in order.
type TranscriptSegment struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Interim    bool      `json:"interim"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// EncounterState announces a flow state transition for one encounter.
type EncounterState struct {
	EncounterID string    `json:"encounter_id"`
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ControlCommand drives the encounter flow from a UI client over the bus.
type ControlCommand struct {
	Action        string `json:"action"`
	EncounterID   string `json:"encounter_id,omitempty"`
	PatientID     string `json:"patient_id,omitempty"`
	DoctorID      string `json:"doctor_id,omitempty"`
	EncounterDate string `json:"encounter_date,omitempty"`
	Language      string `json:"language,omitempty"`
	Category      string `json:"category,omitempty"`
	Index         int    `json:"index,omitempty"`
	Text          string `json:"text,omitempty"`
}

const (
	SubjectCaptureChunkPrefix = "capture.chunk"
	SubjectTranscriptInterim  = "transcript.interim"
	SubjectTranscriptFinal    = "transcript.final"
	SubjectEncounterState     = "encounter.state"
	SubjectEncounterControl   = "encounter.control"
)

// Control actions accepted on SubjectEncounterControl.
const (
	ActionStart         = "start"
	ActionPause         = "pause"
	ActionResume        = "resume"
	ActionStop          = "stop"
	ActionGenerateDraft = "generate_draft"
	ActionUpdateFinding = "update_finding"
	ActionApprove       = "approve"
	ActionReset         = "reset"
	ActionSetLanguage   = "set_language"
)
