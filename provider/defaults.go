package provider

// The built-in Ollama catalogue, offered before any backend was queried.
var ollamaCatalogue = []Model{
	{Name: "llava-llama3 (8B) [default]", Model: "llava-llama3:latest", ImageReady: true},
	{Name: "llama3.2-vision (11B)", Model: "llama3.2-vision:11b", ImageReady: true},
	{Name: "llama3.2-vision (90B)", Model: "llama3.2-vision:90b", ImageReady: true},
	{Name: "llava (7B)", Model: "llava:latest", ImageReady: true},
	{Name: "llava (13B)", Model: "llava:13b", ImageReady: true},
	{Name: "llava (34B)", Model: "llava:34b", ImageReady: true},
	{Name: "llama3.3 (70B)", Model: "llama3.3"},
	{Name: "deepseek-r1 (7B)", Model: "deepseek-r1"},
	{Name: "llama3.2 (3B)", Model: "llama3.2"},
	{Name: "llama3.2 (1B)", Model: "llama3.2:1b"},
	{Name: "llama3.1 (8B)", Model: "llama3.1"},
	{Name: "llama3.1 (70B)", Model: "llama3.1:70b"},
	{Name: "gemma3 (1B)", Model: "gemma3:1b"},
	{Name: "gemma3 (4B)", Model: "gemma3:4b", ImageReady: true},
	{Name: "gemma3 (12B)", Model: "gemma3:12b", ImageReady: true},
	{Name: "gemma3 (27B)", Model: "gemma3:27b", ImageReady: true},
}

// DefaultModels returns the seed list for a new Registry.
func DefaultModels() []Model {
	out := make([]Model, len(ollamaCatalogue))
	for i, m := range ollamaCatalogue {
		m.Provider = Ollama
		out[i] = m
	}
	return out
}

// DefaultImageModel is the image model selected on a fresh install.
func DefaultImageModel() Model { return DefaultModels()[0] }

// DefaultTextModel is the text model selected on a fresh install.
func DefaultTextModel() Model { return DefaultModels()[8] }

// Defaults for providers without a static catalogue. Discovery replaces
// them with the backend's own list.
var (
	DefaultGeminiImageModel = Model{Name: "Gemini 2.0 Flash", Model: "models/gemini-2.0-flash", ImageReady: true, Provider: Gemini}
	DefaultGeminiTextModel  = Model{Name: "Gemini 2.0 Flash", Model: "models/gemini-2.0-flash", Provider: Gemini}
	DefaultOpenAIImageModel = Model{Name: "GPT-4o mini", Model: "gpt-4o-mini", ImageReady: true, Provider: OpenAI}
	DefaultOpenAITextModel  = Model{Name: "GPT-4o mini", Model: "gpt-4o-mini", Provider: OpenAI}
)
