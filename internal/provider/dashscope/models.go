package dashscope

import (
	"strconv"
	"strings"

	"server/internal/domain"
)

// Wire-level model ids per friendly family name, branched by
// capability. Provider documentation revises these tables over time.
var imageModelTable = map[string]string{
	"qwen image":      "qwen-image-plus",
	"qwen image plus": "qwen-image-plus",
	"qwen image max":  "qwen-image-max",
}

var videoModelTable = map[string]string{
	"wan 2.2":       "wan2.2-t2v-plus",
	"wan 2.2 plus":  "wan2.2-t2v-plus",
	"wan 2.1":       "wan2.1-t2v-turbo",
	"wan 2.1 turbo": "wan2.1-t2v-turbo",
}

const (
	defaultImageModelID = "qwen-image-plus"
	defaultVideoModelID = "wan2.2-t2v-plus"
)

func resolveWireModel(name string, genType domain.GenerationType) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if genType.IsVideo() {
		if id, ok := videoModelTable[key]; ok {
			return id
		}
		return defaultVideoModelID
	}
	if id, ok := imageModelTable[key]; ok {
		return id
	}
	return defaultImageModelID
}

// alwaysInline reports whether the wire model refuses URL references
// and requires every input image to be inline-encoded.
func alwaysInline(wireID string) bool {
	return wireID == "qwen-image-max"
}

// videoBuckets are the discrete durations Wan models accept.
var videoBuckets = []int{4, 6, 8}

// snapDuration snaps a duration string such as "5s" to the nearest
// supported bucket. Ties snap upward.
func snapDuration(raw string) int {
	seconds := parseSeconds(raw)
	best := videoBuckets[0]
	for _, b := range videoBuckets[1:] {
		midpoint := float64(best+b) / 2
		if seconds >= midpoint {
			best = b
		}
	}
	return best
}

func parseSeconds(raw string) float64 {
	s := strings.TrimSpace(strings.ToLower(raw))
	s = strings.TrimSuffix(s, "s")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 {
		return float64(videoBuckets[0])
	}
	return v
}

// sizeForAspect maps an aspect ratio onto the provider's pixel sizes.
func sizeForAspect(aspect string) string {
	switch strings.TrimSpace(aspect) {
	case "16:9":
		return "1280*720"
	case "9:16":
		return "720*1280"
	case "1:1":
		return "960*960"
	case "4:3":
		return "1088*832"
	default:
		return ""
	}
}
