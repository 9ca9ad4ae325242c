package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tradeglance/companion/internal/llm"
	"github.com/tradeglance/companion/internal/thread"
	"github.com/tradeglance/companion/pkg/events"
)

const titlePrompt = "Summarize this query into a very short 3-5 word title (no quotes): %s"

// DefaultTitleTimeout bounds one background title generation.
const DefaultTitleTimeout = 30 * time.Second

// TitleStore is what the generator needs from the thread store.
type TitleStore interface {
	Load(ctx context.Context, id string) ([]llm.Message, error)
	GetTitle(ctx context.Context, id string) (string, error)
	SetTitle(ctx context.Context, id, title string) error
}

// TitleGenerator names threads after their first user message.
type TitleGenerator struct {
	model   Model
	store   TitleStore
	timeout time.Duration
	events  events.Publisher

	// lock, when set, serializes the title write with turns and deletes
	// on the same thread.
	lock func(ctx context.Context, id string) (func(), error)

	wg sync.WaitGroup
}

// NewTitleGenerator creates a generator. model should be a cheap tier.
func NewTitleGenerator(model Model, store TitleStore, timeout time.Duration, pub events.Publisher) *TitleGenerator {
	if timeout <= 0 {
		timeout = DefaultTitleTimeout
	}
	if pub == nil {
		pub = events.Discard
	}
	return &TitleGenerator{model: model, store: store, timeout: timeout, events: pub}
}

// MaybeGenerateTitle sets a title for id if it still has the default one.
// A model failure or empty answer falls back to the first words of the
// message.
func (g *TitleGenerator) MaybeGenerateTitle(ctx context.Context, id string) error {
	current, err := g.store.GetTitle(ctx, id)
	if err != nil {
		return err
	}
	if current != thread.DefaultTitle {
		return nil
	}

	history, err := g.store.Load(ctx, id)
	if err != nil {
		return err
	}
	first := firstUserText(history)
	if first == "" {
		return nil
	}

	title := ""
	if g.model != nil {
		prompt := []llm.Message{llm.UserMessage(fmt.Sprintf(titlePrompt, first))}
		reply, err := g.model.Generate(ctx, prompt, nil)
		if err != nil {
			slog.Warn("title generation failed, using fallback", "thread", id, "error", err)
		} else {
			title = CleanTitle(reply.Text())
		}
	}
	if title == "" {
		title = FallbackTitle(first)
	}

	if g.lock != nil {
		release, err := g.lock(ctx, id)
		if err != nil {
			return err
		}
		defer release()
	}
	// The thread may have been deleted or titled while the model ran.
	if ok, err := g.stillUntitled(ctx, id); err != nil || !ok {
		return err
	}

	if err := g.store.SetTitle(ctx, id, title); err != nil {
		return err
	}
	slog.Info("thread titled", "thread", id, "title", title)
	g.events.Publish(events.Event{Type: events.Title, ThreadID: id, Content: title})
	return nil
}

func (g *TitleGenerator) stillUntitled(ctx context.Context, id string) (bool, error) {
	history, err := g.store.Load(ctx, id)
	if err != nil {
		return false, err
	}
	if len(history) == 0 {
		slog.Debug("thread gone before titling", "thread", id)
		return false, nil
	}
	current, err := g.store.GetTitle(ctx, id)
	if err != nil {
		return false, err
	}
	return current == thread.DefaultTitle, nil
}

// Generate runs MaybeGenerateTitle on its own goroutine, detached from the
// caller and bounded by the generator's timeout. Failures are only logged.
func (g *TitleGenerator) Generate(id string) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()
		if err := g.MaybeGenerateTitle(ctx, id); err != nil {
			slog.Error("title generation", "thread", id, "error", err)
		}
	}()
}

// Wait blocks until background generations finish.
func (g *TitleGenerator) Wait() { g.wg.Wait() }

func firstUserText(history []llm.Message) string {
	for _, m := range history {
		if m.Role == llm.RoleUser {
			if text := strings.TrimSpace(m.Text()); text != "" {
				return text
			}
		}
	}
	return ""
}

// CleanTitle trims whitespace and quote characters around a model answer.
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`“”‘’")
	s = strings.TrimSpace(s)
	// Models sometimes answer on several lines; keep the first.
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}

// FallbackTitle is the first four words of text followed by "...".
func FallbackTitle(text string) string {
	words := strings.Fields(text)
	if len(words) > 4 {
		words = words[:4]
	}
	return strings.Join(words, " ") + "..."
}
