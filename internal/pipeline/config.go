package pipeline

import (
	"storyloom/internal/prompt"
)

// Config selects the presets and feature toggles for one orchestrator. The
// LLM/image/audio collaborators themselves live on Adapters; a nil adapter
// for an optional stage is equivalent to disabling it.
type Config struct {
	DirectorPreset *prompt.Preset `yaml:"director_preset"`
	WriterPreset   *prompt.Preset `yaml:"writer_preset"`
	PainterPreset  *prompt.Preset `yaml:"painter_preset"`

	EnablePaint bool `yaml:"enable_paint"`
	EnableTTS   bool `yaml:"enable_tts"`

	// ImageConfigID and TTSConfigID are passed through to the respective
	// adapters; their meaning is adapter-specific.
	ImageConfigID string `yaml:"image_config_id"`
	TTSConfigID   string `yaml:"tts_config_id"`

	UserName    string `yaml:"user_name"`
	UserPersona string `yaml:"user_persona"`
}

// Adapters bundles the external collaborators one orchestrator calls out
// to. DirectorLLM and WriterLLM are required; the rest are optional and
// their absence degrades the corresponding stage.
type Adapters struct {
	DirectorLLM LLMClient
	WriterLLM   LLMClient
	PainterLLM  LLMClient
	Image       ImageGenerator
	Audio       SpeechSynthesizer
	Log         RunLog
	Sessions    SessionStore
}

// Fallback system prompts for stages whose preset produced no text,
// matching the behavior users expect from an unconfigured install.
const (
	defaultDirectorPrompt = `You are a scene director. Create a brief outline for the next scene including:
1. Scene setting/atmosphere changes
2. Character actions and movements
3. Key emotional beats
4. Any important events or reveals

Provide a concise scene outline (2-3 paragraphs) that a writer can use to craft the response.`

	defaultPainterPrompt = `You are an image prompt director. Convert scene descriptions into detailed image generation prompts.
Focus on visual elements: setting, lighting, character appearances, mood, and atmosphere.
Keep it under 200 words. Output ONLY the prompt, no explanations or preamble.`
)

// defaultWriterPrompt renders the writer fallback for a character name.
func defaultWriterPrompt(charName string) string {
	return "You are a creative writer crafting an immersive roleplay response as " + charName + ".\n" +
		"Be descriptive and immersive. Write dialogue naturally."
}

// paramsFromPreset lifts a preset's generation knobs into LLMParams.
func paramsFromPreset(p *prompt.Preset) LLMParams {
	if p == nil {
		return LLMParams{}
	}
	return LLMParams{
		Temperature: p.Temperature,
		TopP:        p.TopP,
		MaxTokens:   p.MaxTokens,
	}
}
