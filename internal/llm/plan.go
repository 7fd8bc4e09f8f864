// ABOUTME: Extraction of a chunk plan from free-form model output
// ABOUTME: Handles fenced blocks, bare arrays and single-quoted literals

package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/2389/parlor/internal/scheduler"
)

// ErrNoPlan is returned when model output holds no usable chunk plan
var ErrNoPlan = errors.New("no chunk plan in model output")

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// planItem is the wire form of one chunk
type planItem struct {
	Content      string  `json:"content"`
	DelaySeconds seconds `json:"delay_seconds"`
}

// seconds accepts a JSON number or a numeric string
type seconds float64

func (s *seconds) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*s = seconds(f)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("delay_seconds: %w", err)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
	if err != nil {
		return fmt.Errorf("delay_seconds %q: %w", str, err)
	}
	*s = seconds(f)
	return nil
}

// duration clamps in float seconds before converting, so huge or infinite
// values cannot overflow time.Duration. NaN counts as no delay.
func (s seconds) duration(maxDelay time.Duration) time.Duration {
	f := float64(s)
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if maxDelay > 0 && f >= maxDelay.Seconds() {
		return maxDelay
	}
	if f >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f * float64(time.Second))
}

// ParsePlan extracts chunks from model output. Delays are clamped into
// [0, maxDelay] and chunks with blank content are dropped.
func ParsePlan(text string, maxDelay time.Duration) ([]scheduler.Chunk, error) {
	raw := extractArray(text)
	if raw == "" {
		return nil, ErrNoPlan
	}

	var items []planItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		if err2 := json.Unmarshal([]byte(normalizeQuotes(raw)), &items); err2 != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoPlan, err)
		}
	}

	chunks := make([]scheduler.Chunk, 0, len(items))
	for _, it := range items {
		content := strings.TrimSpace(it.Content)
		if content == "" {
			continue
		}
		chunks = append(chunks, scheduler.Chunk{
			Content: content,
			Delay:   it.DelaySeconds.duration(maxDelay),
		})
	}
	if len(chunks) == 0 {
		return nil, ErrNoPlan
	}
	return chunks, nil
}

// extractArray returns the JSON array text inside s, preferring a fenced
// code block, or "" when none is present.
func extractArray(s string) string {
	s = strings.TrimSpace(s)
	if m := fencedBlock.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

// normalizeQuotes rewrites single-quoted string literals as JSON strings.
// Double-quoted strings pass through untouched.
func normalizeQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	var quote rune
	escaped := false
	for _, r := range s {
		switch {
		case quote == 0:
			if r == '\'' {
				quote = r
				b.WriteRune('"')
				continue
			}
			if r == '"' {
				quote = r
			}
			b.WriteRune(r)
		case escaped:
			escaped = false
			if quote == '\'' && r == '\'' {
				b.WriteRune('\'')
				continue
			}
			b.WriteRune('\\')
			b.WriteRune(r)
		case r == '\\':
			escaped = true
		case r == quote:
			quote = 0
			b.WriteRune('"')
		case quote == '\'' && r == '"':
			b.WriteString(`\"`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
