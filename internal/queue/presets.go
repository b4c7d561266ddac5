package queue

// Preset ties a user-facing quality choice to the yt-dlp selector that
// implements it. Only ID and Label travel over the API.
type Preset struct {
	ID    string `json:"id"`
	Label string `json:"label"`

	Format      string `json:"-"`
	AudioOnly   bool   `json:"-"`
	AudioFormat string `json:"-"`
}

// DefaultPreset is used when a request names no preset.
const DefaultPreset = "best"

// Presets is the catalog, in display order.
var Presets = []Preset{
	{
		ID:     "best",
		Label:  "Best",
		Format: "bestvideo+bestaudio/best",
	},
	{
		ID:     "best_1080p",
		Label:  "Best 1080p",
		Format: "bestvideo[height<=1080]+bestaudio/best[height<=1080]/best",
	},
	{
		ID:          "audio_only",
		Label:       "Audio only (M4A)",
		Format:      "bestaudio/best",
		AudioOnly:   true,
		AudioFormat: "m4a",
	},
}

// PresetByID looks up a preset by its identifier.
func PresetByID(id string) (Preset, bool) {
	for _, p := range Presets {
		if p.ID == id {
			return p, true
		}
	}
	return Preset{}, false
}
