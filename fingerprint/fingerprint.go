// Package fingerprint derives the stable issue-grouping hash and display
// title from a parsed exception's stack trace (spec §4.3).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// Frame mirrors the subset of a Sentry stack frame the fingerprinter reads.
// Tagged for direct decoding out of exception.values[0].stacktrace.frames
// (package parse).
type Frame struct {
	Function string `json:"function"`
	Module   string `json:"module"`
	Package  string `json:"package"`
	Filename string `json:"filename"`
	AbsPath  string `json:"abs_path"`
	InApp    bool   `json:"in_app"`
}

// Result is the output of Fingerprint: the grouping hash and the normalized
// frame strings (top-of-stack first, used to build unwrap_stacktrace.frames).
// The issue title is computed separately by Title.
type Result struct {
	FingerprintHash string
	Normalized      []string
}

// Fingerprint implements spec §4.3 steps 1–4: filter to in_app frames
// (falling back to the full list if none are marked in_app), normalize each
// to a stable string, concatenate top-of-stack first with the exception
// type as a prefix line, and SHA-256 the result.
//
// The algorithm must never depend on map iteration order — callers pass
// frames in their original array order and this function never reorders
// or deduplicates them.
func Fingerprint(frames []Frame, exceptionType string) Result {
	retained := frames
	if hasInApp(frames) {
		retained = filterInApp(frames)
	}

	normalized := make([]string, len(retained))
	for i, f := range retained {
		normalized[i] = normalizeFrame(f)
	}

	var sb strings.Builder
	if exceptionType != "" {
		sb.WriteString(exceptionType)
		sb.WriteByte('\n')
	}
	sb.WriteString(strings.Join(normalized, "\n"))

	sum := sha256.Sum256([]byte(sb.String()))
	return Result{
		FingerprintHash: hex.EncodeToString(sum[:]),
		Normalized:      normalized,
	}
}

func hasInApp(frames []Frame) bool {
	for _, f := range frames {
		if f.InApp {
			return true
		}
	}
	return false
}

func filterInApp(frames []Frame) []Frame {
	out := make([]Frame, 0, len(frames))
	for _, f := range frames {
		if f.InApp {
			out = append(out, f)
		}
	}
	return out
}

// normalizeFrame renders "{module|package|""}::{function|""}" after
// trimming whitespace. If both module and function are empty it falls back
// to the basename of filename (or abs_path).
func normalizeFrame(f Frame) string {
	module := strings.TrimSpace(f.Module)
	if module == "" {
		module = strings.TrimSpace(f.Package)
	}
	function := strings.TrimSpace(f.Function)

	if module == "" && function == "" {
		file := strings.TrimSpace(f.Filename)
		if file == "" {
			file = strings.TrimSpace(f.AbsPath)
		}
		if file == "" {
			return "::"
		}
		return path.Base(file)
	}

	return module + "::" + function
}

// Title builds "{exception_type}: {first line of message}", truncated to
// 200 characters (spec §4.3 step 5).
func Title(exceptionType, message string) string {
	firstLine := message
	if idx := strings.IndexByte(message, '\n'); idx >= 0 {
		firstLine = message[:idx]
	}

	var title string
	switch {
	case exceptionType != "" && firstLine != "":
		title = exceptionType + ": " + firstLine
	case exceptionType != "":
		title = exceptionType
	default:
		title = firstLine
	}

	if len(title) > 200 {
		title = title[:200]
	}
	return title
}
