package protocol

import "time"

// EventKind classifies a transcript event pushed by the speech provider.
type EventKind string

const (
	EventPartial   EventKind = "partial"
	EventFinal     EventKind = "final"
	EventCallStart EventKind = "call-start"
	EventCallEnd   EventKind = "call-end"
)

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventPartial, EventFinal, EventCallStart, EventCallEnd:
		return true
	}
	return false
}

// TranscriptEvent is the payload delivered by the speech transcription provider,
// over HTTP webhooks or the bus.
type TranscriptEvent struct {
	Kind         EventKind `json:"kind"`
	RoomID       string    `json:"room_id"`
	SpeakerID    string    `json:"speaker_id,omitempty"`
	Text         string    `json:"text,omitempty"`
	LanguageHint string    `json:"language_hint,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// SpeakCommand instructs the synthesis side to say Text to a participant.
type SpeakCommand struct {
	RoomID        string    `json:"room_id"`
	ParticipantID string    `json:"participant_id"`
	Sequence      uint64    `json:"sequence"`
	Text          string    `json:"text"`
	SourceText    string    `json:"source_text"`
	SourceLang    string    `json:"source_lang"`
	TargetLang    string    `json:"target_lang"`
	Voice         string    `json:"voice"`
	Degraded      bool      `json:"degraded,omitempty"`
	Notice        string    `json:"notice,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// TTSRequest asks the synthesis service for audio.
type TTSRequest struct {
	SessionID string `json:"session_id"`
	Target    string `json:"target"`
	Text      string `json:"text"`
	Voice     string `json:"voice"`
	TraceID   string `json:"trace_id,omitempty"`
}

// AudioChunk carries synthesized PCM for a target participant.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSStatus signals synthesis completion for a request.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target"`
	Completed bool      `json:"completed"`
	Timestamp time.Time `json:"timestamp"`
}

// DevicePresence is the telemetry report sent by wearable endpoints.
type DevicePresence struct {
	DeviceID     string    `json:"device_id"`
	Connected    bool      `json:"connected"`
	Location     string    `json:"location,omitempty"`
	BatteryLevel float64   `json:"battery_level"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectCallStart         = "stt.call.start"
	SubjectCallEnd           = "stt.call.end"
	SubjectSpeakPrefix       = "interpreter.speak"
	SubjectTTSRequest        = "tts.request"
	SubjectTTSAudio          = "tts.audio"
	SubjectTTSDone           = "tts.done"
	SubjectDevicePresence    = "device.presence"
	SubjectDeviceAudioPrefix = "device.audio"
)

// SpeakSubject returns the subject speak commands for a room are published on.
func SpeakSubject(roomID string) string {
	return SubjectSpeakPrefix + "." + roomID
}

// DeviceAudioSubject returns the request subject a wearable listens on for
// framed audio.
func DeviceAudioSubject(deviceID string) string {
	return SubjectDeviceAudioPrefix + "." + deviceID
}

// WearableFrame is one utterance pushed to a wearable device as WAV.
type WearableFrame struct {
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
	DeviceID      string `json:"device_id"`
	Sequence      uint64 `json:"sequence"`
	Text          string `json:"text"`
	Voice         string `json:"voice"`
	Degraded      bool   `json:"degraded,omitempty"`
	WAV           []byte `json:"wav"`
}
