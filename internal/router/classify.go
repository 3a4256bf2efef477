package router

import (
	"strings"

	"github.com/trunov/grouphub/internal/entities"
)

// MarkerFilename is the reserved object name clients upload after the last
// image of a batch.
const MarkerFilename = "complete.json"

const uploadsSegment = "uploads"

// Classify parses an object key against the expected namespace
// .../{tenant}/uploads/{uploadID}/{segment}. The reserved marker filename
// classifies as a trigger, anything else under the namespace as an object.
// Keys outside the namespace (thumbnails and other incidental objects) are
// not a match and produce no message.
func Classify(key string) (tenant, uploadID, kind string, ok bool) {
	parts := strings.Split(key, "/")
	for i := 1; i+2 < len(parts); i++ {
		if parts[i] != uploadsSegment {
			continue
		}
		// segment must be the final path element
		if i+3 != len(parts) {
			return "", "", "", false
		}
		tenant, uploadID = parts[i-1], parts[i+1]
		segment := parts[i+2]
		if tenant == "" || uploadID == "" || segment == "" {
			return "", "", "", false
		}
		if segment == MarkerFilename {
			return tenant, uploadID, entities.KindTrigger, true
		}
		return tenant, uploadID, entities.KindObject, true
	}
	return "", "", "", false
}
