package protocol

import (
	"strconv"
	"strings"
)

const resultRefPrefix = "restype_"

// ResultRef names the result of an earlier CHAIN_CALL step. A later step
// passes it as a string argument in place of a literal value.
func ResultRef(sig uint64, fn string) string {
	return resultRefPrefix + strconv.FormatUint(sig, 10) + "_" + fn
}

// ParseResultRef splits a reference built by ResultRef.
func ParseResultRef(s string) (uint64, string, bool) {
	rest, ok := strings.CutPrefix(s, resultRefPrefix)
	if !ok {
		return 0, "", false
	}
	digits, fn, ok := strings.Cut(rest, "_")
	if !ok || digits == "" || fn == "" {
		return 0, "", false
	}
	sig, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return sig, fn, true
}
