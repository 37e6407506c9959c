// ABOUTME: Per-message pipeline composing identity, limits, onboarding, commands, and collaborators
// ABOUTME: One inbound message in, one reply string out, with panic containment at the boundary

package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cbello1987/Fmla/internal/abuse"
	"github.com/cbello1987/Fmla/internal/cache"
	"github.com/cbello1987/Fmla/internal/collab"
	"github.com/cbello1987/Fmla/internal/command"
	"github.com/cbello1987/Fmla/internal/identity"
	"github.com/cbello1987/Fmla/internal/onboarding"
	"github.com/cbello1987/Fmla/internal/pending"
	"github.com/cbello1987/Fmla/internal/profile"
)

const (
	// storeTimeout bounds every call to the key-value store so an outage
	// degrades instead of stalling the reply.
	storeTimeout = 3 * time.Second
	// collabTimeout bounds calls to the LLM and delivery collaborators.
	collabTimeout = 12 * time.Second
)

// LLM is the free-form language collaborator: replies, event extraction,
// and voice transcription.
type LLM interface {
	Reply(ctx context.Context, familyContext, message string) (string, error)
	ParseEvent(ctx context.Context, text string) (*collab.EventDraft, error)
	Transcribe(ctx context.Context, mediaURL, contentType string) (string, error)
}

// Deliverer sends a confirmed event to the user's calendar inbox.
type Deliverer interface {
	Send(ctx context.Context, toEmail, summary string, payload map[string]any) error
}

// Inbound is one message as handed over by the transport adapter. The
// channel envelope has already been stripped.
type Inbound struct {
	FromAddress string
	Body        string
	Media       []Media
}

// Media is one attachment on an inbound message.
type Media struct {
	URL         string
	ContentType string
}

// Orchestrator sequences the session components for each inbound message.
type Orchestrator struct {
	hasher    *identity.Hasher
	limiter   *abuse.Limiter
	profiles  *profile.Store
	pendings  *pending.Store
	matcher   *command.Matcher
	replies   *cache.ReplyCache
	llm       LLM
	deliverer Deliverer
	logger    *slog.Logger
}

// New wires an orchestrator from its collaborators.
func New(hasher *identity.Hasher, limiter *abuse.Limiter, profiles *profile.Store, pendings *pending.Store, matcher *command.Matcher, replies *cache.ReplyCache, llm LLM, deliverer Deliverer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		hasher:    hasher,
		limiter:   limiter,
		profiles:  profiles,
		pendings:  pendings,
		matcher:   matcher,
		replies:   replies,
		llm:       llm,
		deliverer: deliverer,
		logger:    logger.With("component", "session"),
	}
}

var setupEmailPattern = regexp.MustCompile(`(?i)\bset\s*up email\b`)

// Handle runs one inbound message through the pipeline and returns the
// reply. It never panics outward: an internal fault becomes a generic
// reply carrying a correlation id that also appears in the log.
func (o *Orchestrator) Handle(ctx context.Context, in Inbound) (reply string) {
	identityKey := o.hasher.Hash(in.FromAddress)
	log := o.logger.With("identity", identityKey)

	defer func() {
		if r := recover(); r != nil {
			errID := uuid.NewString()[:8]
			log.Error("panic handling message", "error_id", errID, "panic", r)
			reply = fmt.Sprintf("Something went wrong on my end. Please try again shortly. (ref %s)", errID)
		}
	}()

	body := strings.TrimSpace(in.Body)

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	allowed, wait := o.limiter.Allow(sctx, identityKey, body, true)
	cancel()
	if !allowed {
		return fmt.Sprintf("⏳ Easy there! Please wait %d seconds and try again.", wait)
	}

	p := o.loadProfile(ctx, identityKey)

	// Voice notes become text before any other handling.
	if body == "" && len(in.Media) > 0 {
		transcript, mediaReply := o.handleMedia(ctx, identityKey, in.Media, log)
		if mediaReply != "" {
			o.touch(ctx, identityKey, profile.Update{})
			return mediaReply
		}
		body = transcript
	}

	if body == "" {
		o.touch(ctx, identityKey, profile.Update{})
		return "🤔 I didn't catch anything there. Try 'menu' to see what I can do!"
	}

	if !p.Metadata.OnboardingComplete {
		return o.handleOnboarding(ctx, identityKey, p, body)
	}

	if isDigitChoice(body) {
		return o.handleDigit(ctx, identityKey, p, body)
	}

	res := o.matcher.Match(body)

	if r, done := o.handlePending(ctx, identityKey, p, res, log); done {
		return r
	}

	if setupEmailPattern.MatchString(body) {
		return o.handleEmailChange(ctx, identityKey, body, log)
	}

	if res.Matched {
		return o.handleCommand(ctx, identityKey, p, res)
	}

	return o.handleFreeForm(ctx, identityKey, p, body, log)
}

// loadProfile never fails outward; the profile store degrades to a default.
func (o *Orchestrator) loadProfile(ctx context.Context, identityKey string) *profile.Profile {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return o.profiles.Get(sctx, identityKey)
}

// touch persists the per-message metadata stamp plus any field changes.
// Exactly one profile write happens per handled message.
func (o *Orchestrator) touch(ctx context.Context, identityKey string, u profile.Update) *profile.Profile {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	merged, err := o.profiles.Update(sctx, identityKey, u)
	if err != nil {
		o.logger.Warn("profile write skipped", "identity", identityKey, "error", err)
		return nil
	}
	return merged
}

func (o *Orchestrator) handleMedia(ctx context.Context, identityKey string, media []Media, log *slog.Logger) (transcript, reply string) {
	first := media[0]
	if !strings.HasPrefix(first.ContentType, "audio/") {
		return "", "📎 I can only handle voice notes and text right now. Try telling me in words!"
	}

	lctx, cancel := context.WithTimeout(ctx, collabTimeout)
	defer cancel()

	text, err := o.llm.Transcribe(lctx, first.URL, first.ContentType)
	if errors.Is(err, collab.ErrNotConfigured) {
		return "", "🎤 I can't listen to voice notes yet — could you text it instead?"
	}
	if err != nil {
		log.Error("transcription failed", "error", err)
		o.recordFailure(ctx, identityKey)
		return "", "🎤 I couldn't make out that voice note. Mind trying again or texting it?"
	}
	if strings.TrimSpace(text) == "" {
		return "", "🎤 That voice note sounded empty to me. Try once more?"
	}
	return text, ""
}

func (o *Orchestrator) handleOnboarding(ctx context.Context, identityKey string, p *profile.Profile, body string) string {
	// Erasure works even mid-setup.
	if res := o.matcher.Match(body); res.Matched && res.Command == command.Delete {
		return o.erase(ctx, identityKey)
	}

	state := onboarding.CurrentState(p)

	if state == onboarding.StateWelcome {
		next := string(onboarding.StateNameCollection)
		o.touch(ctx, identityKey, profile.Update{OnboardingState: &next})
		return onboarding.NextPrompt(onboarding.StateWelcome, p)
	}

	var fields onboarding.Fields
	switch state {
	case onboarding.StateNameCollection:
		fields.Name = onboarding.ExtractName(body)
		if fields.Name == "" {
			o.touch(ctx, identityKey, profile.Update{})
			return onboarding.NextPrompt(state, p)
		}

	case onboarding.StateFamilyInfo:
		if email := onboarding.ExtractEmail(body); email != "" {
			fields.Email = email
		} else if onboarding.IsSkip(body) {
			fields.FamilySkipped = true
		} else {
			fields.Children = onboarding.ExtractFamily(body)
			if len(fields.Children) == 0 {
				o.touch(ctx, identityKey, profile.Update{})
				return "Tell me about your family like \"Andy who's 8 and Emma who's 5\" — or say 'skip'."
			}
		}

	case onboarding.StateEmailSetup:
		if onboarding.IsSkip(body) {
			fields.EmailSkipped = true
		} else {
			fields.Email = onboarding.ExtractEmail(body)
			if fields.Email == "" {
				o.touch(ctx, identityKey, profile.Update{})
				return "That doesn't look like an email address. Try something like you@example.com, or say 'skip'."
			}
		}
	}

	merged, next := onboarding.Advance(p, fields)

	u := profile.Update{OnboardingState: ptr(string(next))}
	if fields.Name != "" {
		u.Name = &fields.Name
	}
	if len(fields.Children) > 0 {
		u.AppendChildren = fields.Children
	}
	if fields.Email != "" {
		u.Email = &fields.Email
	}
	if merged.Metadata.OnboardingComplete {
		u.OnboardingComplete = ptr(true)
	}
	o.touch(ctx, identityKey, u)

	if fields.Email != "" {
		o.sendTestEvent(ctx, merged)
		return fmt.Sprintf("✅ Email saved! I just sent a test event to %s. %s", fields.Email, onboarding.NextPrompt(next, merged))
	}
	return onboarding.NextPrompt(next, merged)
}

// sendTestEvent fires a welcome event at the freshly configured address so
// the user can verify calendar ingestion works. Best effort.
func (o *Orchestrator) sendTestEvent(ctx context.Context, p *profile.Profile) {
	lctx, cancel := context.WithTimeout(ctx, collabTimeout)
	defer cancel()

	err := o.deliverer.Send(lctx, p.Email, "Fmla is connected 🎉", map[string]any{
		"title": "Fmla is connected",
		"date":  time.Now().UTC().Format("2006-01-02"),
	})
	if err != nil && !errors.Is(err, collab.ErrNotConfigured) {
		o.logger.Warn("test event delivery failed", "error", err)
	}
}

func isDigitChoice(body string) bool {
	return len(body) == 1 && body[0] >= '1' && body[0] <= '5'
}

func (o *Orchestrator) handleDigit(ctx context.Context, identityKey string, p *profile.Profile, body string) string {
	switch body {
	case "1":
		o.touch(ctx, identityKey, profile.Update{})
		return familyText(p)
	case "2":
		o.touch(ctx, identityKey, profile.Update{})
		return "📅 Tell me about the event — something like \"Soccer for Andy on Tuesday at 4pm\"."
	case "3":
		o.touch(ctx, identityKey, profile.Update{})
		return settingsText(p)
	case "4":
		o.touch(ctx, identityKey, profile.Update{})
		return helpText()
	default: // "5"
		return o.erase(ctx, identityKey)
	}
}

// handlePending resolves a stored pending action when the message is a
// clear yes or no. Any other input falls through to normal handling and
// leaves the action waiting.
func (o *Orchestrator) handlePending(ctx context.Context, identityKey string, p *profile.Profile, res command.Result, log *slog.Logger) (string, bool) {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	act := o.pendings.Get(sctx, identityKey)
	cancel()
	if act == nil || !res.Matched {
		return "", false
	}

	switch res.Command {
	case command.Yes, command.Confirm:
		if p.Email == "" {
			o.touch(ctx, identityKey, profile.Update{})
			return "I need an email on file first — text \"setup email you@example.com\" and then confirm again.", true
		}

		lctx, lcancel := context.WithTimeout(ctx, collabTimeout)
		err := o.deliverer.Send(lctx, p.Email, act.Summary, act.Payload)
		lcancel()
		if err != nil {
			log.Error("event delivery failed", "error", err)
			o.recordFailure(ctx, identityKey)
			o.touch(ctx, identityKey, profile.Update{})
			return "😅 I couldn't send that just now. It's still saved — reply YES again in a moment.", true
		}

		o.clearPending(ctx, identityKey)
		o.touch(ctx, identityKey, profile.Update{})
		return fmt.Sprintf("📧 Done! \"%s\" is on its way to your calendar.", act.Summary), true

	case command.No, command.Cancel:
		o.clearPending(ctx, identityKey)
		o.touch(ctx, identityKey, profile.Update{})
		return "👍 No problem — cancelled.", true
	}

	return "", false
}

var emailPattern = regexp.MustCompile(`[\w.+-]+@[\w.-]+\.\w+`)

func (o *Orchestrator) handleEmailChange(ctx context.Context, identityKey, body string, log *slog.Logger) string {
	email := emailPattern.FindString(body)
	if email == "" {
		o.touch(ctx, identityKey, profile.Update{})
		return "Sure — what address should I use? Text \"setup email you@example.com\"."
	}

	merged := o.touch(ctx, identityKey, profile.Update{Email: &email})
	if merged == nil {
		return "😅 I couldn't save that right now. Please try again shortly."
	}

	o.sendTestEvent(ctx, merged)
	log.Info("email updated")
	return fmt.Sprintf("✅ Email updated to %s. I just sent a test event so you can check it landed!", email)
}

func (o *Orchestrator) handleCommand(ctx context.Context, identityKey string, p *profile.Profile, res command.Result) string {
	var body string
	switch res.Command {
	case command.Menu:
		body = menuText(p)
	case command.Help:
		body = helpText()
	case command.Settings:
		body = settingsText(p)
	case command.Delete:
		return o.erase(ctx, identityKey)
	case command.Yes, command.Confirm, command.No, command.Cancel:
		body = "There's nothing waiting for a confirmation right now. Try 'menu' to see what I can do!"
	}

	o.touch(ctx, identityKey, profile.Update{})
	if res.Correction != "" {
		return res.Correction + "\n\n" + body
	}
	return body
}

func (o *Orchestrator) handleFreeForm(ctx context.Context, identityKey string, p *profile.Profile, body string, log *slog.Logger) string {
	cacheKey := replyCacheKey(identityKey, body)
	if cached, ok := o.replies.Get(cacheKey); ok {
		o.touch(ctx, identityKey, profile.Update{})
		return cached
	}

	lctx, cancel := context.WithTimeout(ctx, collabTimeout)
	defer cancel()

	draft, err := o.llm.ParseEvent(lctx, body)
	if err == nil {
		sctx, scancel := context.WithTimeout(ctx, storeTimeout)
		putErr := o.pendings.Put(sctx, identityKey, &pending.Action{
			Kind:    "event",
			Summary: draft.Summary(),
			Payload: draft.Payload(),
		})
		scancel()
		if putErr != nil {
			log.Error("pending action store failed", "error", putErr)
		}
		o.touch(ctx, identityKey, profile.Update{})
		return fmt.Sprintf("📅 I heard: %s. Reply YES to add it to your calendar, or NO to skip.", draft.Summary())
	}
	if !errors.Is(err, collab.ErrNoEvent) && !errors.Is(err, collab.ErrNotConfigured) {
		log.Warn("event extraction failed", "error", err)
	}

	reply, err := o.llm.Reply(lctx, familyContext(p), body)
	if errors.Is(err, collab.ErrNotConfigured) {
		o.touch(ctx, identityKey, profile.Update{})
		return "I'm still getting set up for open-ended questions — try 'menu' to see what I can do!"
	}
	if err != nil {
		log.Error("llm reply failed", "error", err)
		o.recordFailure(ctx, identityKey)
		o.touch(ctx, identityKey, profile.Update{})
		return "😅 I'm having trouble thinking right now. Please try again in a moment."
	}

	o.replies.Put(cacheKey, reply)
	o.touch(ctx, identityKey, profile.Update{})
	return reply
}

// erase deletes the user's data: profile, pending action, and cached
// replies. Idempotent. The rate window is abuse state, not user content,
// and deliberately survives erasure — otherwise repeating the erasure
// command would reset the limiter on every message and never be throttled.
func (o *Orchestrator) erase(ctx context.Context, identityKey string) string {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := o.profiles.Delete(sctx, identityKey); err != nil {
		o.logger.Error("erasure failed", "identity", identityKey, "error", err)
		return "😅 I couldn't finish deleting just now. Please try again shortly."
	}
	o.replies.InvalidatePrefix(identityKey + ":")

	return "🗑️ All your data has been deleted. Text me anytime to start fresh!"
}

func (o *Orchestrator) clearPending(ctx context.Context, identityKey string) {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := o.pendings.Clear(sctx, identityKey); err != nil {
		o.logger.Warn("pending action clear failed", "identity", identityKey, "error", err)
	}
}

func (o *Orchestrator) recordFailure(ctx context.Context, identityKey string) {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	o.limiter.RecordFailure(sctx, identityKey)
}

func replyCacheKey(identityKey, body string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(body)))
	return identityKey + ":" + hex.EncodeToString(sum[:8])
}

func familyContext(p *profile.Profile) string {
	var b strings.Builder
	if p.Name != "" {
		fmt.Fprintf(&b, "Parent: %s\n", p.Name)
	}
	if len(p.Children) > 0 {
		b.WriteString("Children: ")
		for i, c := range p.Children {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(c.Name)
			if c.Age != nil {
				fmt.Fprintf(&b, " (age %d)", *c.Age)
			}
		}
		b.WriteString("\n")
	}
	if lang, ok := p.Settings["preferred_language"].(string); ok && lang != "" {
		fmt.Fprintf(&b, "Preferred language: %s\n", lang)
	}
	if b.Len() == 0 {
		return "No family details on file yet."
	}
	return b.String()
}

func menuText(p *profile.Profile) string {
	greeting := "📋 Main Menu"
	if p.Name != "" {
		greeting = fmt.Sprintf("📋 Main Menu — hi %s!", p.Name)
	}
	return greeting + "\n" +
		"1. Our family\n" +
		"2. Add an event\n" +
		"3. My settings\n" +
		"4. Help\n" +
		"5. Delete my data\n" +
		"Reply with a number, or just text me what's up."
}

func helpText() string {
	return "ℹ️ I'm Fmla, your family assistant. Text me events (\"Soccer for Andy Tuesday 4pm\"), " +
		"send a voice note, or ask me anything about juggling family life. " +
		"'menu' shows shortcuts, 'settings' shows what I know, and 'delete my data' erases everything."
}

func settingsText(p *profile.Profile) string {
	var b strings.Builder
	b.WriteString("⚙️ Your settings\n")
	fmt.Fprintf(&b, "Name: %s\n", orUnset(p.Name))
	fmt.Fprintf(&b, "Calendar email: %s\n", orUnset(p.Email))
	fmt.Fprintf(&b, "Family members: %d\n", len(p.Children))
	b.WriteString("Text \"setup email you@example.com\" to change your email, or 'delete my data' to erase everything.")
	return b.String()
}

func familyText(p *profile.Profile) string {
	if len(p.Children) == 0 {
		return "👪 I don't have any family members on file yet. Tell me about them — like \"Andy who's 8\"."
	}
	var b strings.Builder
	b.WriteString("👪 Your family:\n")
	for _, c := range p.Children {
		if c.Age != nil {
			fmt.Fprintf(&b, "• %s, age %d\n", c.Name, *c.Age)
		} else {
			fmt.Fprintf(&b, "• %s\n", c.Name)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

func ptr[T any](v T) *T { return &v }
