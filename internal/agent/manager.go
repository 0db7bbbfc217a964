package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/walt/internal/checkpoint"
	"github.com/ashureev/walt/internal/completion"
	"github.com/ashureev/walt/internal/domain"
	"github.com/ashureev/walt/internal/prompt"
)

// BootstrapGreeting opens a conversation that was never started explicitly.
const BootstrapGreeting = "Hi I'm Walt. What's your name?"

const (
	checkpointContentHeader = "\n\nCHECKPOINT FILE CONTENT:\n"
	verifyReplyHeader       = "\n\nREPLY TO CHECK:\n"
)

// PromptSource resolves prompts by name. *prompt.Registry satisfies it.
type PromptSource interface {
	Get(name string) (prompt.Prompt, error)
}

// ManagerConfig tunes interview behaviour.
type ManagerConfig struct {
	// TurnSuffix is appended to every user message before it is sent.
	TurnSuffix string
	// VerifyFacts enables a second call that checks each reply against the conversation.
	VerifyFacts bool
}

// Reply is what an operation hands back for display.
type Reply struct {
	Message      string
	Outline      []domain.OutlineEntry
	Verification string
}

// Biography is a drafted life story.
type Biography struct {
	Text string
}

// Manager runs the biographer's operations against a session. Operations
// change the session only after every completion call they need has
// succeeded. Manager does no locking; callers serialize access per session.
type Manager struct {
	llm     completion.Client
	prompts PromptSource
	codec   *checkpoint.Codec
	cfg     ManagerConfig
	logger  *slog.Logger
}

// NewManager creates a manager.
func NewManager(llm completion.Client, prompts PromptSource, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		llm:     llm,
		prompts: prompts,
		cfg:     cfg,
		logger:  logger,
	}
	m.codec = checkpoint.NewCodec(checkpoint.SummarizerFunc(m.summarize), logger)
	return m
}

// StartNew asks the model for an opening greeting and resets the session to
// [persona, greeting] with a fresh outline. On failure the session is left
// as it was and the returned Reply still carries its outline.
func (m *Manager) StartNew(ctx context.Context, s *domain.BiographySession) (Reply, error) {
	failed := Reply{Outline: outlineOrDefault(s)}

	persona, err := m.prompt(prompt.Persona)
	if err != nil {
		return failed, err
	}
	welcome, err := m.prompt(prompt.Welcome)
	if err != nil {
		return failed, err
	}

	greeting, err := m.complete(ctx, "welcome", welcome, withSystem(welcome, welcome.Text))
	if err != nil {
		return failed, err
	}

	s.Transcript = domain.NewTranscript(persona.Text, domain.Message{Role: domain.RoleAssistant, Content: greeting})
	s.Outline = domain.DefaultOutline()
	s.Narrative = ""
	return Reply{Message: greeting, Outline: s.OutlineCopy()}, nil
}

// ContinueFromCheckpoint rebuilds the session from a checkpoint blob and
// returns a welcome-back message. The welcome-back message is shown to the
// user but not added to the transcript.
func (m *Manager) ContinueFromCheckpoint(ctx context.Context, s *domain.BiographySession, blob string) (Reply, error) {
	failed := Reply{Outline: outlineOrDefault(s)}

	if strings.TrimSpace(blob) == "" {
		return failed, fmt.Errorf("%w: checkpoint_data is required", ErrInvalidInput)
	}
	cont, err := m.prompt(prompt.Continue)
	if err != nil {
		return failed, err
	}
	persona, err := m.prompt(prompt.Persona)
	if err != nil {
		return failed, err
	}

	decoded := m.codec.Decode(blob)
	if decoded.Skipped > 0 {
		m.logger.Warn("checkpoint had unreadable lines",
			"user_id", s.Key.UserID,
			"session_id", s.Key.SessionID,
			"skipped", decoded.Skipped,
		)
	}

	welcomeBack, err := m.complete(ctx, "continue", cont,
		withSystem(cont, cont.Text+checkpointContentHeader+decoded.Narrative))
	if err != nil {
		return failed, err
	}

	s.Transcript = domain.NewTranscript(persona.Text, decoded.Messages...)
	s.Outline = domain.DefaultOutline()
	s.Narrative = decoded.Narrative
	return Reply{Message: welcomeBack, Outline: s.OutlineCopy()}, nil
}

// SubmitTurn sends one user message and appends the exchange. A session that
// was never started is bootstrapped with a fixed greeting first; the
// bootstrap is committed only together with a successful reply.
func (m *Manager) SubmitTurn(ctx context.Context, s *domain.BiographySession, text string) (Reply, error) {
	if strings.TrimSpace(text) == "" {
		return Reply{}, fmt.Errorf("%w: user_query is required", ErrInvalidInput)
	}
	turn, err := m.prompt(prompt.Turn)
	if err != nil {
		return Reply{}, err
	}

	transcript := s.Transcript
	outline := s.OutlineCopy()
	if transcript.IsEmpty() {
		persona, err := m.prompt(prompt.Persona)
		if err != nil {
			return Reply{}, err
		}
		transcript = domain.NewTranscript(persona.Text, domain.Message{Role: domain.RoleAssistant, Content: BootstrapGreeting})
		outline = domain.DefaultOutline()
	}
	if len(outline) == 0 {
		outline = domain.DefaultOutline()
	}

	transcript, err = transcript.With(domain.Message{Role: domain.RoleUser, Content: text + m.cfg.TurnSuffix})
	if err != nil {
		return Reply{}, fmt.Errorf("append user message: %w", err)
	}

	answer, err := m.complete(ctx, "turn", turn, transcript.Messages())
	if err != nil {
		return Reply{}, err
	}

	asked := transcript
	transcript, err = transcript.With(domain.Message{Role: domain.RoleAssistant, Content: answer})
	if err != nil {
		return Reply{}, fmt.Errorf("append assistant message: %w", err)
	}

	s.Transcript = transcript
	s.Outline = outline

	reply := Reply{Message: answer, Outline: s.OutlineCopy()}
	if m.cfg.VerifyFacts {
		reply.Verification = m.verify(ctx, s, asked.Conversation(), answer)
	}
	return reply, nil
}

// CreateCheckpoint renders the session as a checkpoint. It never changes the
// session; a failed summary is recorded inside the checkpoint text instead.
func (m *Manager) CreateCheckpoint(ctx context.Context, s *domain.BiographySession) string {
	return m.codec.Encode(ctx, s.Narrative, s.Transcript.Conversation())
}

// CraftBiography drafts a full biography from the narrative and conversation.
func (m *Manager) CraftBiography(ctx context.Context, s *domain.BiographySession) (Biography, error) {
	writeBio, err := m.prompt(prompt.WriteBio)
	if err != nil {
		return Biography{}, err
	}
	doc := writeBio.Text + "\n\n" + checkpoint.Brief(s.Narrative, s.Transcript.Conversation())
	text, err := m.complete(ctx, "write_bio", writeBio, withSystem(writeBio, doc))
	if err != nil {
		return Biography{}, err
	}
	return Biography{Text: text}, nil
}

// Decode parses a checkpoint without touching any session.
func (m *Manager) Decode(blob string) checkpoint.Decoded {
	return m.codec.Decode(blob)
}

func (m *Manager) summarize(ctx context.Context, document string) (string, error) {
	p, err := m.prompt(prompt.Summarize)
	if err != nil {
		return "", err
	}
	return m.complete(ctx, "summarize", p, withSystem(p, p.Text+"\n\n"+document))
}

// verify asks the model to check a reply against the conversation that led
// to it. Failures only log; the turn stands.
func (m *Manager) verify(ctx context.Context, s *domain.BiographySession, history []domain.Message, answer string) string {
	p, err := m.prompt(prompt.Verify)
	if err != nil {
		m.logger.Warn("fact verification skipped", "error", err)
		return ""
	}
	doc := p.Text + "\n\n" + checkpoint.Brief(s.Narrative, history) + verifyReplyHeader + answer
	note, err := m.complete(ctx, "verify", p, withSystem(p, doc))
	if err != nil {
		m.logger.Warn("fact verification failed",
			"user_id", s.Key.UserID,
			"session_id", s.Key.SessionID,
			"error", err,
		)
		return ""
	}
	return note
}

func (m *Manager) prompt(name string) (prompt.Prompt, error) {
	p, err := m.prompts.Get(name)
	if err != nil {
		return prompt.Prompt{}, fmt.Errorf("%w: %w", ErrMissingConfiguration, err)
	}
	return p, nil
}

func (m *Manager) complete(ctx context.Context, op string, p prompt.Prompt, msgs []domain.Message) (string, error) {
	start := time.Now()
	text, err := m.llm.Complete(ctx, completion.Request{
		Messages:        msgs,
		MaxOutputTokens: p.MaxTokens,
		Temperature:     p.Temperature,
	})
	if err != nil {
		m.logger.Error("completion failed",
			"op", op,
			"kind", completion.KindName(err),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return "", fmt.Errorf("%s: %w: %w", op, ErrUpstream, err)
	}
	m.logger.Debug("completion ok",
		"op", op,
		"messages", len(msgs),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}

// withSystem builds [system p.System, user content], omitting an empty system message.
func withSystem(p prompt.Prompt, content string) []domain.Message {
	msgs := make([]domain.Message, 0, 2)
	if p.System != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: p.System})
	}
	return append(msgs, domain.Message{Role: domain.RoleUser, Content: content})
}

func outlineOrDefault(s *domain.BiographySession) []domain.OutlineEntry {
	if len(s.Outline) == 0 {
		return domain.DefaultOutline()
	}
	return s.OutlineCopy()
}
