// Package failure decides whether a delivery error is worth retrying.
package failure

import (
	"regexp"
)

type Category string

const (
	Permanent Category = "permanent"
	Transient Category = "transient"
	Unknown   Category = "unknown"
)

type Classification struct {
	ShouldRetry bool     `json:"should_retry"`
	Category    Category `json:"category"`
}

// Classifier maps an error to a retry decision.
type Classifier func(err error) Classification

// Permanent patterns are checked first.
var (
	permanentPatterns = compile(
		`(invalid|expired|revoked)\s+(bot\s+)?(token|credentials?|api[\s_-]?key)`,
		`auth(entication)?\s+failed`,
		`unauthori[sz]ed`,
		`forbidden`,
		`not\s+found`,
		`(malformed|invalid)\s+(format|payload|request|address|e-?mail|phone(\s+number)?)`,
		`permission\s+denied`,
		`(unknown|invalid)\s+(recipient|user|chat)`,
		`chat\s+not\s+found`,
		`bot\s+was\s+blocked`,
	)
	transientPatterns = compile(
		`time[sd]?\s*-?\s*out`,
		`deadline\s+exceeded`,
		`connection\s+(refused|reset|closed|failed|error|lost)`,
		`network`,
		`econn(refused|reset)`,
		`rate\s*-?\s*limit`,
		`too\s+many\s+requests`,
		`service\s+unavailable`,
		`temporar(y|ily)`,
		`(server|internal)\s+error`,
		`bad\s+gateway`,
		`circuit\s+breaker\s+is\s+open`,
	)
)

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+e))
	}
	return out
}

// Classify inspects err's message. Unrecognized and nil errors are retried.
func Classify(err error) Classification {
	if err == nil {
		return Classification{ShouldRetry: true, Category: Unknown}
	}
	return ClassifyMessage(err.Error())
}

func ClassifyMessage(msg string) Classification {
	for _, re := range permanentPatterns {
		if re.MatchString(msg) {
			return Classification{ShouldRetry: false, Category: Permanent}
		}
	}
	for _, re := range transientPatterns {
		if re.MatchString(msg) {
			return Classification{ShouldRetry: true, Category: Transient}
		}
	}
	return Classification{ShouldRetry: true, Category: Unknown}
}

// OrDefault returns c, or Classify when c is nil.
func OrDefault(c Classifier) Classifier {
	if c == nil {
		return Classify
	}
	return c
}
