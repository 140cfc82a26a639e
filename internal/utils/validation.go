package utils

import (
	"strconv"
	"strings"

	"listsync/internal/operation"
)

// ParseOwnerID parses a positive owner ID from a CLI argument.
func ParseOwnerID(value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidOwnerID(value)
	}
	return id, nil
}

// ParseID parses a positive collection or item ID. what names the argument
// in the error.
func ParseID(what, value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidID(what, value)
	}
	return id, nil
}

// ParseStatuses parses a comma-separated status filter. Empty means all.
func ParseStatuses(value string) ([]operation.Status, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	valid := make([]string, len(operation.Statuses))
	for i, s := range operation.Statuses {
		valid[i] = string(s)
	}

	var out []operation.Status
	for _, part := range strings.Split(value, ",") {
		s := operation.Status(strings.ToLower(strings.TrimSpace(part)))
		if !isStatus(s) {
			return nil, ErrInvalidStatus(part, valid)
		}
		out = append(out, s)
	}
	return out, nil
}

func isStatus(s operation.Status) bool {
	for _, known := range operation.Statuses {
		if s == known {
			return true
		}
	}
	return false
}
