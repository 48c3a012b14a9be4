package model

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// EventID derives the deterministic id of an observation from its source
// coordinates. Re-normalizing the same frame yields the same ids, which is
// what lets the engine deduplicate redelivered records.
func EventID(collectorID, cameraID string, tsMs int64, objectID string) string {
	h := xxhash.New()
	_, _ = h.WriteString(collectorID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(cameraID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatInt(tsMs, 10))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(objectID)
	return strconv.FormatUint(h.Sum64(), 16)
}
