package workflow

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"server/internal/domain"
)

// Built-in plan kinds. Callers may also pass fully custom stages.
const (
	KindConstruction = "construction"
	KindInterior     = "interior"
)

// ConstructionStages is the default staged-build sequence: the same
// site rendered at successive phases of construction.
func ConstructionStages() []domain.Stage {
	return []domain.Stage{
		{Key: "site", Index: 0, Prompt: "Render the same location as an empty prepared construction site with cleared, leveled ground. Keep the camera angle, lighting, and surroundings identical to the reference image."},
		{Key: "foundation", Index: 1, Prompt: "Show the same site with the concrete foundation and footings poured and cured. Keep the camera angle and surroundings unchanged."},
		{Key: "framing", Index: 2, Prompt: "Show the same building with the structural frame and walls erected, windows and roof not yet installed. Keep the camera angle and surroundings unchanged."},
		{Key: "exterior", Index: 3, Prompt: "Show the same building with the exterior complete: roof, windows, and facade finished. Keep the camera angle and surroundings unchanged."},
		{Key: "finished", Index: 4, Prompt: "Show the finished building exactly as in the reference image, with completed landscaping around it."},
	}
}

// InteriorStages is the default interior staging sequence: one room
// from bare shell to fully furnished.
func InteriorStages() []domain.Stage {
	return []domain.Stage{
		{Key: "shell", Index: 0, Prompt: "Render the same room as a bare unfinished shell: exposed walls and subfloor, no fixtures. Keep the camera angle and window positions identical to the reference image."},
		{Key: "finishes", Index: 1, Prompt: "Show the same room with walls painted, flooring laid, and lighting fixtures installed, but completely unfurnished. Keep the camera angle unchanged."},
		{Key: "furnished", Index: 2, Prompt: "Show the same room fully furnished and decorated exactly as in the reference image."},
	}
}

// StagesForKind returns the built-in stage table for a plan kind.
func StagesForKind(kind string) ([]domain.Stage, bool) {
	switch kind {
	case KindConstruction:
		return ConstructionStages(), true
	case KindInterior:
		return InteriorStages(), true
	}
	return nil, false
}

var titleCaser = cases.Title(language.English)

// TransitionPrompt describes the morph between two adjacent stages for
// the video model. Stage keys are surfaced in title case so the prompt
// reads naturally.
func TransitionPrompt(kind, fromKey, toKey string) string {
	from := titleCaser.String(strings.ReplaceAll(fromKey, "_", " "))
	to := titleCaser.String(strings.ReplaceAll(toKey, "_", " "))
	subject := "the scene"
	switch kind {
	case KindConstruction:
		subject = "the construction site"
	case KindInterior:
		subject = "the room"
	}
	return fmt.Sprintf(
		"A smooth time-lapse transition of %s from the %q phase to the %q phase. Fixed camera, consistent lighting, no people, gradual realistic progression from the first frame to the last frame.",
		subject, from, to)
}
