package asr

import "fmt"

// ConfigError reports a caller-supplied parameter that disagrees with
// the stream's fixed configuration, such as a mismatched sample rate.
// The stream is left unchanged; the caller must fix its configuration
// before retrying.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "asr: config error: " + e.Reason
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// ShapeError reports recurrent states whose dimensions are
// inconsistent, which indicates streams from different model
// configurations being mixed into one batch.
type ShapeError struct {
	Reason string
}

func (e *ShapeError) Error() string {
	return "asr: shape error: " + e.Reason
}

func shapeErrorf(format string, args ...any) *ShapeError {
	return &ShapeError{Reason: fmt.Sprintf(format, args...)}
}
