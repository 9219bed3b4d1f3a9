package metastore

import "strconv"

func uintToStr(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func strToUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}
