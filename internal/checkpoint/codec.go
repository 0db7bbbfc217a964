// Package checkpoint converts biography sessions to and from the portable
// plain-text checkpoint format users download and re-upload.
//
// A checkpoint is a free-text narrative, a delimiter line and the
// conversation rendered as "role: content" lines:
//
//	Sam grew up near the coast...
//
//	--- CONVERSATION HISTORY ---
//
//	user: My name is Sam
//	assistant: Nice to meet you, Sam!
//
// The format is meant to be read and edited by hand, so decoding never fails.
// Message content that spans several lines or contains the delimiter does not
// survive a round trip. CRLF line endings are converted only when every line
// ends that way, so a file saved by a Windows editor decodes like the original.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/walt/internal/domain"
)

// Delimiter separates the narrative from the conversation lines.
const Delimiter = "--- CONVERSATION HISTORY ---"

const sectionBreak = "\n\n" + Delimiter + "\n\n"

// briefHeading introduces the conversation in model-facing documents.
const briefHeading = "\n\n--- CONVERSATION ---\n\n"

// Summarizer condenses a checkpoint document into a narrative.
type Summarizer interface {
	Summarize(ctx context.Context, document string) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, document string) (string, error)

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, document string) (string, error) {
	return f(ctx, document)
}

// Decoded is the result of parsing a checkpoint.
type Decoded struct {
	Narrative string
	Messages  []domain.Message
	// Skipped counts non-blank lines that could not be parsed.
	Skipped int
}

// Codec encodes and decodes checkpoints.
type Codec struct {
	summarizer Summarizer
	logger     *slog.Logger
}

// NewCodec creates a codec. A nil summarizer stores the narrative as is.
func NewCodec(summarizer Summarizer, logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{summarizer: summarizer, logger: logger}
}

// Encode renders a checkpoint from narrative and messages. System messages
// are not written. When the summarizer fails the raw narrative is kept,
// prefixed with an unavailability marker; Encode itself never fails.
func (c *Codec) Encode(ctx context.Context, narrative string, messages []domain.Message) string {
	lines := RenderTranscript(messages)
	summary := narrative

	if c.summarizer != nil {
		out, err := c.summarizer.Summarize(ctx, Render(narrative, lines))
		if err != nil {
			c.logger.Warn("checkpoint summary failed, keeping raw narrative", "error", err)
			summary = unavailableMarker(err)
			if strings.TrimSpace(narrative) != "" {
				summary += "\n\n" + narrative
			}
		} else {
			summary = out
		}
	}

	return Render(summary, lines)
}

// Render joins a narrative and pre-rendered conversation lines with the delimiter.
func Render(narrative, lines string) string {
	return narrative + sectionBreak + lines
}

// Brief builds the document handed to the model when drafting or checking
// the biography: the narrative followed by the conversation lines.
func Brief(narrative string, messages []domain.Message) string {
	return narrative + briefHeading + RenderTranscript(messages)
}

// RenderTranscript formats user and assistant messages as "role: content"
// lines joined by newlines.
func RenderTranscript(messages []domain.Message) string {
	var b strings.Builder
	first := true
	for _, m := range messages {
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		if !first {
			b.WriteByte('\n')
		}
		first = false
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// Decode parses a checkpoint. A blob without the delimiter is all narrative.
// Lines with an unknown role or no colon are dropped with a warning.
func (c *Codec) Decode(blob string) Decoded {
	if n := strings.Count(blob, "\n"); n > 0 && strings.Count(blob, "\r\n") == n {
		blob = strings.ReplaceAll(blob, "\r\n", "\n")
	}

	narrative, history, found := strings.Cut(blob, Delimiter+"\n\n")
	if !found {
		return Decoded{Narrative: strings.TrimSpace(blob)}
	}

	out := Decoded{Narrative: strings.TrimSpace(narrative)}
	for i, line := range strings.Split(history, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rawRole, content, ok := strings.Cut(line, ":")
		if !ok {
			out.Skipped++
			c.logger.Warn("checkpoint line without role dropped", "line", i+1)
			continue
		}
		role, ok := domain.ParseRole(rawRole)
		if !ok {
			out.Skipped++
			c.logger.Warn("checkpoint line with unknown role dropped", "line", i+1, "role", strings.TrimSpace(rawRole))
			continue
		}
		out.Messages = append(out.Messages, domain.Message{
			Role:    role,
			Content: strings.TrimPrefix(content, " "),
		})
	}
	return out
}

func unavailableMarker(err error) string {
	return fmt.Sprintf("[checkpoint summary unavailable: %s]", err)
}
