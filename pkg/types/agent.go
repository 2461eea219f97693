package types

import "time"

// Agent is the configuration bundle that defines one AI caller's behaviour.
// Agents are managed elsewhere (dashboard CRUD); the core only reads them.
type Agent struct {
	// ID is the agent identifier.
	ID string `yaml:"id"`

	// Name is the human-readable agent name.
	Name string `yaml:"name"`

	// Persona is the system prompt establishing identity, tone, and task.
	Persona string `yaml:"persona"`

	// Greeting is the opening utterance spoken when media connects. Empty
	// falls back to a generic line.
	Greeting string `yaml:"greeting"`

	// GoodbyeLine is spoken once before hanging up on an end-phrase match
	// or a polite close. Empty falls back to a generic line.
	GoodbyeLine string `yaml:"goodbye_line"`

	// EndPhrases end the call when any of them appears, case-insensitively,
	// in a final user transcript.
	EndPhrases []string `yaml:"end_phrases"`

	// VoiceProvider selects the TTS provider ("elevenlabs", "coqui").
	VoiceProvider string `yaml:"voice_provider"`

	// VoiceID is the provider-specific voice.
	VoiceID string `yaml:"voice_id"`

	// LLMProvider selects the language-model backend ("openai", "anyllm").
	LLMProvider string `yaml:"llm_provider"`

	// LLMModel is the model name passed to the backend.
	LLMModel string `yaml:"llm_model"`

	// Language is the BCP-47 language tag used for STT and TTS.
	Language string `yaml:"language"`

	// KnowledgeBaseID references an external knowledge base consulted on
	// the non-speculative response path. Empty disables retrieval.
	KnowledgeBaseID string `yaml:"knowledge_base_id"`

	// Active gates whether the agent may be used for new calls.
	Active bool `yaml:"active"`

	// CreatedAt and UpdatedAt are record timestamps (UTC).
	CreatedAt time.Time `yaml:"-"`
	UpdatedAt time.Time `yaml:"-"`
}
