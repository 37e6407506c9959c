// ABOUTME: End-to-end pipeline tests for the session orchestrator over an in-memory store
// ABOUTME: Exercises onboarding, limits, commands, pending confirmation, and fault containment

package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbello1987/Fmla/internal/abuse"
	"github.com/cbello1987/Fmla/internal/cache"
	"github.com/cbello1987/Fmla/internal/collab"
	"github.com/cbello1987/Fmla/internal/command"
	"github.com/cbello1987/Fmla/internal/identity"
	"github.com/cbello1987/Fmla/internal/onboarding"
	"github.com/cbello1987/Fmla/internal/pending"
	"github.com/cbello1987/Fmla/internal/profile"
	"github.com/cbello1987/Fmla/internal/store"
)

type stubLLM struct {
	replyText     string
	replyErr      error
	replyCalls    int
	draft         *collab.EventDraft
	draftErr      error
	transcript    string
	transcribeErr error
	panicOnReply  bool
}

func (s *stubLLM) Reply(ctx context.Context, familyContext, message string) (string, error) {
	if s.panicOnReply {
		panic("boom")
	}
	s.replyCalls++
	return s.replyText, s.replyErr
}

func (s *stubLLM) ParseEvent(ctx context.Context, text string) (*collab.EventDraft, error) {
	if s.draft != nil {
		return s.draft, nil
	}
	if s.draftErr != nil {
		return nil, s.draftErr
	}
	return nil, collab.ErrNoEvent
}

func (s *stubLLM) Transcribe(ctx context.Context, mediaURL, contentType string) (string, error) {
	return s.transcript, s.transcribeErr
}

type stubDeliverer struct {
	sent    []string
	sendErr error
}

func (s *stubDeliverer) Send(ctx context.Context, toEmail, summary string, payload map[string]any) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, toEmail+"|"+summary)
	return nil
}

type fixture struct {
	o         *Orchestrator
	kv        *store.MemoryKV
	hasher    *identity.Hasher
	profiles  *profile.Store
	pendings  *pending.Store
	llm       *stubLLM
	deliverer *stubDeliverer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	kv := store.NewMemoryKV()
	t.Cleanup(func() { kv.Close() })

	replies := cache.New(time.Minute, 32)
	t.Cleanup(replies.Close)

	hasher := identity.NewHasher("test-salt")
	limiter := abuse.NewLimiter(kv, abuse.Limits{
		MessageCap:   10,
		FailureCap:   5,
		DuplicateCap: 5,
		Window:       60 * time.Second,
		BanBase:      300 * time.Second,
		DuplicateBan: 600 * time.Second,
		BanMax:       3600 * time.Second,
	}, nil)
	profiles := profile.NewStore(kv, time.Hour, nil)
	pendings := pending.NewStore(kv, time.Minute, nil)
	llm := &stubLLM{replyText: "Here's an idea!"}
	deliverer := &stubDeliverer{}

	o := New(hasher, limiter, profiles, pendings, command.NewMatcher(0), replies, llm, deliverer, nil)
	return &fixture{o: o, kv: kv, hasher: hasher, profiles: profiles, pendings: pendings, llm: llm, deliverer: deliverer}
}

// completeOnboarding stores a finished profile for addr and returns its key.
func (f *fixture) completeOnboarding(t *testing.T, addr, name, email string) string {
	t.Helper()
	key := f.hasher.Hash(addr)
	_, err := f.profiles.Update(context.Background(), key, profile.Update{
		Name:               &name,
		Email:              &email,
		OnboardingState:    ptr(string(onboarding.StateCompletion)),
		OnboardingComplete: ptr(true),
	})
	require.NoError(t, err)
	return key
}

func TestFreshIdentityGetsWelcome(t *testing.T) {
	f := newFixture(t)

	reply := f.o.Handle(context.Background(), Inbound{FromAddress: "+15551234567", Body: "hi"})
	assert.Contains(t, reply, "first name")

	p := f.profiles.Get(context.Background(), f.hasher.Hash("+15551234567"))
	assert.Empty(t, p.Name, "a greeting is not a name")
	assert.Equal(t, string(onboarding.StateNameCollection), p.Metadata.OnboardingState)
	assert.Equal(t, 1, p.Metadata.MessageCount)
}

func TestNameReplyAdvancesToFamily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: "hi"})
	reply := f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: "Carlos"})

	assert.Contains(t, reply, "Nice to meet you, Carlos")

	p := f.profiles.Get(ctx, f.hasher.Hash("+15551234567"))
	assert.Equal(t, "Carlos", p.Name)
	assert.Equal(t, string(onboarding.StateFamilyInfo), p.Metadata.OnboardingState)
}

func TestSetupEmailCompletesOnboarding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.hasher.Hash("+15551234567")

	_, err := f.profiles.Update(ctx, key, profile.Update{
		Name:            ptr("Carlos"),
		OnboardingState: ptr(string(onboarding.StateFamilyInfo)),
	})
	require.NoError(t, err)

	reply := f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: "setup email carlos@example.com"})
	assert.Contains(t, reply, "carlos@example.com")

	p := f.profiles.Get(ctx, key)
	assert.Equal(t, "carlos@example.com", p.Email)
	assert.True(t, p.Metadata.OnboardingComplete)
	assert.Equal(t, string(onboarding.StateCompletion), p.Metadata.OnboardingState)

	require.Len(t, f.deliverer.sent, 1, "a test event goes out once the email lands")
	assert.Contains(t, f.deliverer.sent[0], "carlos@example.com")
}

func TestFamilyAnswerRecordsChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.hasher.Hash("+15551234567")

	_, err := f.profiles.Update(ctx, key, profile.Update{
		Name:            ptr("Carlos"),
		OnboardingState: ptr(string(onboarding.StateFamilyInfo)),
	})
	require.NoError(t, err)

	reply := f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: "I have Andy who's 8"})
	assert.Contains(t, reply, "email")

	p := f.profiles.Get(ctx, key)
	require.Len(t, p.Children, 1)
	assert.Equal(t, "Andy", p.Children[0].Name)
	require.NotNil(t, p.Children[0].Age)
	assert.Equal(t, 8, *p.Children[0].Age)
}

func TestRateLimitShortCircuits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var reply string
	for i := 0; i < 11; i++ {
		reply = f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: string(rune('a' + i))})
	}
	assert.Contains(t, reply, "wait")

	p := f.profiles.Get(ctx, f.hasher.Hash("+15551234567"))
	assert.Equal(t, 10, p.Metadata.MessageCount, "a rejected message is not processed")
}

func TestPendingConfirmDelivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.completeOnboarding(t, "+15551234567", "Carlos", "carlos@example.com")

	require.NoError(t, f.pendings.Put(ctx, key, &pending.Action{
		Kind:    "event",
		Summary: "Soccer practice, Tuesday",
		Payload: map[string]any{"title": "Soccer practice"},
	}))

	reply := f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: "yes"})
	assert.Contains(t, reply, "on its way")

	require.Len(t, f.deliverer.sent, 1)
	assert.Equal(t, "carlos@example.com|Soccer practice, Tuesday", f.deliverer.sent[0])
	assert.Nil(t, f.pendings.Get(ctx, key), "a confirmed action is consumed")
}

func TestPendingCancelDiscards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.completeOnboarding(t, "+15551234567", "Carlos", "carlos@example.com")

	require.NoError(t, f.pendings.Put(ctx, key, &pending.Action{Kind: "event", Summary: "x"}))

	reply := f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: "no"})
	assert.Contains(t, reply, "cancelled")
	assert.Empty(t, f.deliverer.sent)
	assert.Nil(t, f.pendings.Get(ctx, key))
}

func TestPendingConfirmViaThumbsUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.completeOnboarding(t, "+15551234567", "Carlos", "carlos@example.com")

	require.NoError(t, f.pendings.Put(ctx, key, &pending.Action{Kind: "event", Summary: "x", Payload: map[string]any{"title": "x"}}))

	f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: "👍"})
	assert.Len(t, f.deliverer.sent, 1)
}

func TestTypoMatchesMenuWithCorrection(t *testing.T) {
	f := newFixture(t)
	f.completeOnboarding(t, "+15551234567", "Carlos", "carlos@example.com")

	reply := f.o.Handle(context.Background(), Inbound{FromAddress: "+15551234567", Body: "memu"})
	assert.Contains(t, reply, "I think you meant 'Menu'!")
	assert.Contains(t, reply, "1. Our family")
}

func TestDigitShortcuts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.completeOnboarding(t, "+15551234567", "Carlos", "carlos@example.com")

	age := 8
	_, err := f.profiles.Update(ctx, key, profile.Update{AppendChildren: []profile.Child{{Name: "Andy", Age: &age}}})
	require.NoError(t, err)

	reply := f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: "1"})
	assert.Contains(t, reply, "Andy, age 8")

	reply = f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: "3"})
	assert.Contains(t, reply, "carlos@example.com")

	reply = f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: "4"})
	assert.Contains(t, reply, "family assistant")
}

func TestErasureDeletesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.completeOnboarding(t, "+15551234567", "Carlos", "carlos@example.com")

	require.NoError(t, f.pendings.Put(ctx, key, &pending.Action{Kind: "event", Summary: "x"}))

	reply := f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: "delete my data"})
	assert.Contains(t, reply, "deleted")

	p := f.profiles.Get(ctx, key)
	assert.Empty(t, p.Name, "profile reads as a fresh default")
	assert.Nil(t, f.pendings.Get(ctx, key))

	// Idempotent: erasing again is not an error.
	reply = f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: "delete my data"})
	assert.Contains(t, reply, "deleted")
}

func TestRepeatedErasureStillRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Erasure deletes the profile and pending action but not the rate
	// window, so spamming the erasure command accumulates a duplicate
	// streak like any other message and trips the ban.
	var rejected int
	for i := 0; i < 6; i++ {
		reply := f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: "delete my data"})
		if strings.Contains(reply, "wait") {
			rejected++
		}
	}
	assert.Positive(t, rejected, "identical erasure spam must hit the limiter")
}

func TestCompletedProfileNeverReentersOnboarding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.completeOnboarding(t, "+15551234567", "Carlos", "carlos@example.com")

	// A bare name-shaped message goes to the free-form collaborator, not
	// the state machine.
	reply := f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: "Maria"})
	assert.Equal(t, "Here's an idea!", reply)

	p := f.profiles.Get(ctx, key)
	assert.Equal(t, "Carlos", p.Name)
	assert.Equal(t, string(onboarding.StateCompletion), p.Metadata.OnboardingState)
}

func TestFreeFormRepliesAreCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.completeOnboarding(t, "+15551234567", "Carlos", "carlos@example.com")

	first := f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: "any dinner ideas?"})
	second := f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: "any dinner ideas?"})

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.llm.replyCalls, "the repeat is served from cache")
}

func TestEventDraftCreatesPendingAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.completeOnboarding(t, "+15551234567", "Carlos", "carlos@example.com")

	f.llm.draft = &collab.EventDraft{Title: "Soccer practice", Date: "Tuesday", Time: "16:00"}

	reply := f.o.Handle(ctx, Inbound{FromAddress: "+15551234567", Body: "andy has soccer tuesday at 4"})
	assert.Contains(t, reply, "Reply YES")

	act := f.pendings.Get(ctx, key)
	require.NotNil(t, act)
	assert.Equal(t, "event", act.Kind)
	assert.Contains(t, act.Summary, "Soccer practice")
}

func TestConfirmWithoutPending(t *testing.T) {
	f := newFixture(t)
	f.completeOnboarding(t, "+15551234567", "Carlos", "carlos@example.com")

	reply := f.o.Handle(context.Background(), Inbound{FromAddress: "+15551234567", Body: "yes"})
	assert.Contains(t, reply, "nothing waiting")
}

func TestLLMOutageDegradesGracefully(t *testing.T) {
	f := newFixture(t)
	f.completeOnboarding(t, "+15551234567", "Carlos", "carlos@example.com")
	f.llm.replyErr = errors.New("upstream 503")

	reply := f.o.Handle(context.Background(), Inbound{FromAddress: "+15551234567", Body: "any dinner ideas?"})
	assert.Contains(t, reply, "try again")
}

func TestLLMNotConfigured(t *testing.T) {
	f := newFixture(t)
	f.completeOnboarding(t, "+15551234567", "Carlos", "carlos@example.com")
	f.llm.replyErr = collab.ErrNotConfigured

	reply := f.o.Handle(context.Background(), Inbound{FromAddress: "+15551234567", Body: "any dinner ideas?"})
	assert.Contains(t, reply, "menu")
}

func TestPanicContained(t *testing.T) {
	f := newFixture(t)
	f.completeOnboarding(t, "+15551234567", "Carlos", "carlos@example.com")
	f.llm.panicOnReply = true

	reply := f.o.Handle(context.Background(), Inbound{FromAddress: "+15551234567", Body: "any dinner ideas?"})
	assert.Contains(t, reply, "ref ")
	assert.Contains(t, reply, "try again")
}

func TestVoiceNoteIsTranscribed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.completeOnboarding(t, "+15551234567", "Carlos", "carlos@example.com")

	f.llm.transcript = "andy has soccer tuesday at 4"
	f.llm.draft = &collab.EventDraft{Title: "Soccer practice", Date: "Tuesday"}

	reply := f.o.Handle(ctx, Inbound{
		FromAddress: "+15551234567",
		Media:       []Media{{URL: "https://media.example/clip.ogg", ContentType: "audio/ogg"}},
	})
	assert.Contains(t, reply, "Reply YES")
	require.NotNil(t, f.pendings.Get(ctx, key))
}

func TestNonAudioMediaRejected(t *testing.T) {
	f := newFixture(t)
	f.completeOnboarding(t, "+15551234567", "Carlos", "carlos@example.com")

	reply := f.o.Handle(context.Background(), Inbound{
		FromAddress: "+15551234567",
		Media:       []Media{{URL: "https://media.example/pic.jpg", ContentType: "image/jpeg"}},
	})
	assert.Contains(t, reply, "voice notes and text")
}
