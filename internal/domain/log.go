package domain

import (
	"strings"
	"time"
)

// LogLine is one entry of a deployment's durable log.
type LogLine struct {
	Seq          int64
	DeploymentID string
	Line         string
	CreatedAt    time.Time
}

// JoinLog renders lines as newline-terminated text.
func JoinLog(lines []LogLine) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.Line)
		b.WriteByte('\n')
	}
	return b.String()
}
