package feedsync

import (
	"strings"
)

// the transport layer does not expose structured error codes for most
// connectivity failures, so offline detection string-matches against a
// configurable pattern table. Keep the table injectable so platform-specific
// strings stay out of the callers.

func DefaultErrorClassifierSettings() *ErrorClassifierSettings {
	return &ErrorClassifierSettings{
		TransientPatterns: []string{
			"connection refused",
			"connection reset",
			"broken pipe",
			"network is unreachable",
			"no route to host",
			"no such host",
			"i/o timeout",
			"tls handshake timeout",
			"socket hang up",
			"websocket: close",
			"unexpected eof",
		},
	}
}

type ErrorClassifierSettings struct {
	// matched case-insensitively against the error text
	TransientPatterns []string
}

type ErrorClassifier struct {
	patterns []string
}

func NewErrorClassifierWithDefaults() *ErrorClassifier {
	return NewErrorClassifier(DefaultErrorClassifierSettings())
}

func NewErrorClassifier(settings *ErrorClassifierSettings) *ErrorClassifier {
	patterns := make([]string, len(settings.TransientPatterns))
	for i, pattern := range settings.TransientPatterns {
		patterns[i] = strings.ToLower(pattern)
	}
	return &ErrorClassifier{
		patterns: patterns,
	}
}

func (self *ErrorClassifier) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return self.IsTransientMessage(err.Error())
}

func (self *ErrorClassifier) IsTransientMessage(message string) bool {
	message = strings.ToLower(message)
	for _, pattern := range self.patterns {
		if strings.Contains(message, pattern) {
			return true
		}
	}
	return false
}
