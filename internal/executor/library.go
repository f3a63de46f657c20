package executor

import (
	"fmt"

	"github.com/dubflow/internal/config"
)

// Asset is one canned localization result for a (video, language) pair.
type Asset struct {
	Translation string
	AudioURL    string
	VideoURL    string
}

// Entry is one pre-registered source video with its transcript and the
// languages the library can localize it into.
type Entry struct {
	VideoID    string
	Title      string
	Transcript string
	Languages  map[string]Asset
}

// Library is the fixed lookup table behind the simulated executor. Lookups
// are keyed by (source video, target language); a miss is a hard miss — the
// simulation never fabricates output for unknown material.
type Library struct {
	entries map[string]Entry
}

// NewLibrary builds a library from configured entries, falling back to the
// built-in demo set when none are configured.
func NewLibrary(entries []config.LibraryEntry) *Library {
	if len(entries) == 0 {
		return DefaultLibrary()
	}
	lib := &Library{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		entry := Entry{
			VideoID:    e.VideoID,
			Title:      e.Title,
			Transcript: e.Transcript,
			Languages:  make(map[string]Asset, len(e.Languages)),
		}
		for lang, a := range e.Languages {
			entry.Languages[lang] = Asset{
				Translation: a.Translation,
				AudioURL:    a.AudioURL,
				VideoURL:    a.VideoURL,
			}
		}
		lib.entries[e.VideoID] = entry
	}
	return lib
}

// Entry looks up a source video.
func (l *Library) Entry(videoID string) (Entry, bool) {
	e, ok := l.entries[videoID]
	return e, ok
}

// Asset looks up the canned result for one (video, language) pair.
func (l *Library) Asset(videoID, lang string) (Asset, bool) {
	e, ok := l.entries[videoID]
	if !ok {
		return Asset{}, false
	}
	a, ok := e.Languages[lang]
	return a, ok
}

var defaultLanguages = []string{"es", "de", "fr", "it", "pt", "ja"}

var defaultVideos = []struct {
	id         string
	title      string
	transcript string
}{
	{"dQw4w9WgXcQ", "Never Gonna Give You Up - Rick Astley", "We're no strangers to love, you know the rules and so do I..."},
	{"jNQXAC9IVRw", "Me at the zoo", "All right, so here we are in front of the elephants..."},
	{"9bZkp7q19f0", "PSY - GANGNAM STYLE", "Oppan Gangnam style, Gangnam style..."},
	{"kJQP7kiw5Fk", "Luis Fonsi - Despacito", "Ay, Fonsi, DY, oh no, oh no..."},
}

// DefaultLibrary returns the built-in demo set: four well-known videos,
// each localizable into six languages with deterministic asset references.
func DefaultLibrary() *Library {
	lib := &Library{entries: make(map[string]Entry, len(defaultVideos))}
	for _, v := range defaultVideos {
		entry := Entry{
			VideoID:    v.id,
			Title:      v.title,
			Transcript: v.transcript,
			Languages:  make(map[string]Asset, len(defaultLanguages)),
		}
		for _, lang := range defaultLanguages {
			entry.Languages[lang] = Asset{
				Translation: fmt.Sprintf("[%s] %s", lang, v.transcript),
				AudioURL:    fmt.Sprintf("https://storage.dubflow.local/demo/%s/%s/audio.mp3", v.id, lang),
				VideoURL:    fmt.Sprintf("https://storage.dubflow.local/demo/%s/%s/dubbed.mp4", v.id, lang),
			}
		}
		lib.entries[v.id] = entry
	}
	return lib
}
