package orchestrator

import (
	"slices"

	"github.com/rendis/voxflow/pkg/schema"
)

// DefaultVoice is used when a request names none.
const DefaultVoice = "female"

// Voices maps the public voice names to TTS voice ids.
var Voices = map[string]string{
	"female": "OYTbf65OHHFELVut7v2H",
	"male":   "pwMBn0SsmN1220Aorv15",
}

// VoiceNames returns the accepted voice names, sorted.
func VoiceNames() []string {
	names := make([]string, 0, len(Voices))
	for name := range Voices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ResolveVoice returns the voice name and TTS id for a requested voice.
func ResolveVoice(voice string) (string, string, error) {
	if voice == "" {
		voice = DefaultVoice
	}
	id, ok := Voices[voice]
	if !ok {
		return "", "", schema.NewErrorf(schema.ErrCodeValidation, "invalid voice %q", voice).
			WithDetails(map[string]any{"allowed": VoiceNames()})
	}
	return voice, id, nil
}
