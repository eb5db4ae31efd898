package history

import (
	"strconv"
	"unicode/utf16"
)

// ContentHash fingerprints a (patient, normalized service code, date bucket) triple.
//
// It is a 32-bit rolling string hash (h = h*31 + c over UTF-16 code units, wrapping),
// rendered as the base-36 absolute value. The format must stay stable: persisted rows
// are keyed by it. It is not collision-free
func ContentHash(patientID, serviceCode, dateBucket string) string {
	key := patientID + "|" + serviceCode + "|" + dateBucket

	var h int32
	for _, unit := range utf16.Encode([]rune(key)) {
		h = h*31 + int32(unit)
	}

	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 36)
}
