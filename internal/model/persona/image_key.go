package persona

import (
	"strings"
)

// ImageKeyPrefix starts every blob key owned by a persona.
const ImageKeyPrefix = "persona_img_"

// importKeyPrefix starts fallback keys assigned to foreign blobs during import.
const importKeyPrefix = "imp_"

// ImageKey returns the blob key owned by the persona with the given id.
func ImageKey(id string) string {
	return ImageKeyPrefix + id
}

// ParseImageKey extracts the persona id from an owned blob key.
func ParseImageKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, ImageKeyPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// ImportKey returns a collision-proof key for a blob whose key does not
// follow the ownership convention. token identifies the import run.
func ImportKey(token, key string) string {
	return importKeyPrefix + token + "_" + key
}
