package kling

import (
	"strconv"
	"strings"

	"server/internal/domain"
)

// modelEntry maps one friendly model family to its wire-level ids. The
// same family resolves to different ids for video and image work.
type modelEntry struct {
	videoID string
	imageID string
}

// Friendly names are what the UI shows; wire ids are what the API
// accepts. Provider documentation revises these over time, so they
// live here as data rather than logic.
var modelTable = map[string]modelEntry{
	"kling 2.1":        {videoID: "kling-v2-1-master", imageID: "kling-v2"},
	"kling 2.1 master": {videoID: "kling-v2-1-master", imageID: "kling-v2"},
	"kling 2.0":        {videoID: "kling-v2-master", imageID: "kling-v2"},
	"kling 1.6":        {videoID: "kling-v1-6", imageID: "kling-v1-5"},
	"kling 1.5":        {videoID: "kling-v1-5", imageID: "kling-v1-5"},
	"kling 1.0":        {videoID: "kling-v1", imageID: "kling-v1"},
}

const (
	defaultVideoModelID = "kling-v1-6"
	defaultImageModelID = "kling-v1-5"
)

// resolveWireModel maps a friendly model name to the wire id for the
// requested capability. Unknown names fall back to the documented
// default for that capability.
func resolveWireModel(name string, genType domain.GenerationType) string {
	entry, ok := modelTable[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		if genType.IsVideo() {
			return defaultVideoModelID
		}
		return defaultImageModelID
	}
	if genType.IsVideo() {
		return entry.videoID
	}
	return entry.imageID
}

// isV1Family reports whether the wire id belongs to the legacy v1
// model line. Only those models accept the cfg_scale parameter.
func isV1Family(wireID string) bool {
	return wireID == "kling-v1" || strings.HasPrefix(wireID, "kling-v1-")
}

// supportsAudio reports whether the wire id accepts the sound toggle
// (models at or above v2.1).
func supportsAudio(wireID string) bool {
	major, minor := wireVersion(wireID)
	if major > 2 {
		return true
	}
	return major == 2 && minor >= 1
}

// wireVersion parses the major/minor version out of a wire id such as
// "kling-v2-1-master".
func wireVersion(wireID string) (major, minor int) {
	rest, ok := strings.CutPrefix(wireID, "kling-v")
	if !ok {
		return 0, 0
	}
	parts := strings.Split(rest, "-")
	if len(parts) > 0 {
		major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major, minor
}

// snapDuration parses a caller-supplied duration string such as "5s"
// and snaps it to the nearest supported bucket. Kling videos come in
// 5 and 10 second variants; anything under the 7.5s midpoint snaps
// down to 5.
func snapDuration(raw string) int {
	seconds := parseSeconds(raw)
	if seconds < 7.5 {
		return 5
	}
	return 10
}

// tailFrameDuration is the only duration the provider accepts when an
// end-frame image is supplied.
const tailFrameDuration = 5

func parseSeconds(raw string) float64 {
	s := strings.TrimSpace(strings.ToLower(raw))
	s = strings.TrimSuffix(s, "s")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 {
		return 5
	}
	return v
}
