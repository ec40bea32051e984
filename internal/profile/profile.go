// Package profile maps hardware capacity to default model choices.
package profile

import (
	"context"
	"slices"
	"sync"

	"github.com/chaz8081/gostt-server/internal/model"
)

// Auto asks for the profile to be detected from the first GPU.
const Auto = "auto"

// Profile is one hardware tier with its recommended models.
type Profile struct {
	Name           string   `json:"name"`
	VRAMGB         int      `json:"vram_gb"`
	LLMModels      []string `json:"llm_models"`
	STTModels      []string `json:"stt_models"`
	RecommendedLLM string   `json:"recommended_llm"`
	RecommendedSTT string   `json:"recommended_stt"`
}

var profiles = []Profile{
	{
		Name:           "8gb",
		VRAMGB:         8,
		LLMModels:      []string{"llama3.2:3b", "phi3:mini", "gemma2:2b", "qwen2.5:3b"},
		STTModels:      []string{"small", "medium"},
		RecommendedLLM: "llama3.2:3b",
		RecommendedSTT: "medium",
	},
	{
		Name:           "16gb",
		VRAMGB:         16,
		LLMModels:      []string{"llama3.2:8b", "mistral:7b", "gemma2:9b", "qwen2.5:7b", "phi3:medium"},
		STTModels:      []string{"medium", "large-v3"},
		RecommendedLLM: "llama3.2:8b",
		RecommendedSTT: "large-v3",
	},
	{
		Name:           "24gb",
		VRAMGB:         24,
		LLMModels:      []string{"llama3.1:70b-q4", "mixtral:8x7b", "qwen2.5:32b", "codellama:34b", "deepseek-coder:33b"},
		STTModels:      []string{"large-v3"},
		RecommendedLLM: "llama3.1:70b-q4",
		RecommendedSTT: "large-v3",
	},
	{
		Name:           "cpu",
		VRAMGB:         0,
		LLMModels:      []string{"llama3.2:1b", "phi3:mini", "gemma2:2b"},
		STTModels:      []string{"tiny", "base", "small"},
		RecommendedLLM: "llama3.2:1b",
		RecommendedSTT: "small",
	},
}

// All returns every known profile, smallest GPU tier first and cpu last.
func All() []Profile {
	out := make([]Profile, len(profiles))
	for i, p := range profiles {
		out[i] = p.clone()
	}
	return out
}

// Lookup returns the profile with the given name.
func Lookup(name string) (Profile, bool) {
	i := slices.IndexFunc(profiles, func(p Profile) bool { return p.Name == name })
	if i < 0 {
		return Profile{}, false
	}
	return profiles[i].clone(), true
}

// Get returns the named profile, or the cpu profile for unknown names.
func Get(name string) Profile {
	if p, ok := Lookup(name); ok {
		return p
	}
	p, _ := Lookup("cpu")
	return p
}

func (p Profile) clone() Profile {
	p.LLMModels = slices.Clone(p.LLMModels)
	p.STTModels = slices.Clone(p.STTModels)
	return p
}

// ForVRAM returns the profile name for a GPU with gb gigabytes of memory.
func ForVRAM(gb int) string {
	switch {
	case gb >= 24:
		return "24gb"
	case gb >= 16:
		return "16gb"
	case gb >= 8:
		return "8gb"
	default:
		return "cpu"
	}
}

// Overrides are explicit settings that win over profile recommendations.
// Empty or "auto" fields defer to the profile.
type Overrides struct {
	Model       string
	Device      string
	ComputeType string
	LLMModel    string
}

// Resolver derives model configurations from the active profile. The
// default speech model size can change at runtime when a caller asks for a
// specific size; everything else is fixed at construction.
type Resolver struct {
	profile   Profile
	device    string
	precision string
	llm       string

	mu   sync.RWMutex
	size string
}

// NewResolver builds a resolver for p with the given overrides applied.
func NewResolver(p Profile, o Overrides) *Resolver {
	r := &Resolver{profile: p}

	r.size = p.RecommendedSTT
	if set(o.Model) {
		r.size = o.Model
	}

	r.device = model.DeviceCPU
	if p.VRAMGB > 0 {
		r.device = model.DeviceCUDA
	}
	if set(o.Device) {
		r.device = o.Device
	}

	r.precision = "int8"
	if p.VRAMGB >= 8 {
		r.precision = "float16"
	}
	if set(o.ComputeType) {
		r.precision = o.ComputeType
	}

	r.llm = p.RecommendedLLM
	if set(o.LLMModel) {
		r.llm = o.LLMModel
	}
	return r
}

func set(v string) bool {
	return v != "" && v != Auto
}

// Resolve picks the profile named name, detecting it with d when name is
// "auto", and returns a Resolver for it.
func Resolve(ctx context.Context, name string, d Detector, o Overrides) *Resolver {
	if name == "" || name == Auto {
		name = Detect(ctx, d)
	}
	return NewResolver(Get(name), o)
}

// Profile returns the active profile.
func (r *Resolver) Profile() Profile {
	return r.profile.clone()
}

// Device returns the compute device for speech models.
func (r *Resolver) Device() string { return r.device }

// Precision returns the numeric precision for speech models.
func (r *Resolver) Precision() string { return r.precision }

// DefaultLLM returns the generation model used when a request names none.
func (r *Resolver) DefaultLLM() string { return r.llm }

// DefaultSize returns the speech model size used when a request names none.
func (r *Resolver) DefaultSize() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// SetDefaultSize makes size the default for later requests.
func (r *Resolver) SetDefaultSize(size string) {
	r.mu.Lock()
	r.size = size
	r.mu.Unlock()
}

// ModelConfig returns the configuration for size on this hardware. An
// empty size means the current default.
func (r *Resolver) ModelConfig(size string) model.Config {
	if size == "" {
		size = r.DefaultSize()
	}
	return model.Config{Size: size, Device: r.device, Precision: r.precision}
}
