package rpc

import (
	"errors"

	"github.com/MarcoPoloResearchLab/specvault/internal/versions"
)

// Error codes carried in Response.Code.
const (
	CodeDuplicateKey = "duplicate_key"
	CodePathTracked  = "path_tracked"
)

var remoteSentinels = map[string]error{
	CodeDuplicateKey: versions.ErrDuplicateKey,
	CodePathTracked:  versions.ErrPathTracked,
}

// ErrorCode returns the wire code for err, or "" when err has none.
func ErrorCode(err error) string {
	for code, sentinel := range remoteSentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}
