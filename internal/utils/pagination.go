// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import "strconv"

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
//
// Example:
//
//	n := utils.AtoiDefault("42", 0) // returns 42
//	n = utils.AtoiDefault("", 10)   // returns 10
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Page is a normalized 1-based page request.
type Page struct {
	Number int `json:"page"`
	Size   int `json:"page_size"`
}

// NewPage parses raw page and size values. Missing or invalid numbers fall
// back to page 1 and defSize; size is capped at maxSize.
func NewPage(rawPage, rawSize string, defSize, maxSize int) Page {
	p := Page{Number: AtoiDefault(rawPage, 1), Size: AtoiDefault(rawSize, defSize)}
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = defSize
	}
	if p.Size > maxSize {
		p.Size = maxSize
	}
	return p
}

// Bounds returns the [start, end) slice bounds of the page within total
// items. Pages past the end yield an empty range.
func (p Page) Bounds(total int) (start, end int) {
	start = (p.Number - 1) * p.Size
	if start > total {
		start = total
	}
	end = start + p.Size
	if end > total {
		end = total
	}
	return start, end
}
