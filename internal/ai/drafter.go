package ai

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/rs/zerolog/log"

	"github.com/reviewloop/backend/internal/ratelimit"
)

// Draft sources
const (
	SourceAI       = "ai"
	SourceTemplate = "template"
)

const reviewPrompt = `Write a short, natural customer review for {{.StoreName}}.
{{if .Highlights}}The customer liked: {{join .Highlights ", "}}.
{{end}}{{if .Rating}}They would rate it {{.Rating}} out of 5.
{{end}}Keep it under 80 words, first person, no hashtags or emojis, and do not invent prices or staff names.
Respond with the review text only.`

var promptTemplate = template.Must(template.New("review").
	Funcs(template.FuncMap{"join": strings.Join}).
	Parse(reviewPrompt))

// DraftRequest describes the review to draft.
type DraftRequest struct {
	StoreName  string   `json:"store_name"`
	Rating     int      `json:"rating,omitempty"`
	Highlights []string `json:"highlights,omitempty"`
}

// Draft is a generated review.
type Draft struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

// Drafter produces review drafts, spending the daily AI budget when it can
// and falling back to a fixed template when it cannot.
type Drafter struct {
	client *Client
	budget *ratelimit.Limiter
}

// NewDrafter creates a drafter. A nil client always uses the template.
func NewDrafter(client *Client, budget *ratelimit.Limiter) *Drafter {
	return &Drafter{client: client, budget: budget}
}

// Draft never fails: model errors and an exhausted budget degrade to the
// template draft.
func (d *Drafter) Draft(ctx context.Context, req DraftRequest) Draft {
	if d.client == nil {
		return templateDraft(req)
	}
	if d.budget != nil {
		if decision := d.budget.Allow(ctx, ratelimit.GlobalActor); !decision.Allowed {
			log.Info().Int64("count", decision.Count).Msg("AI daily budget exhausted, using template draft")
			return templateDraft(req)
		}
	}

	prompt, err := renderPrompt(req)
	if err != nil {
		log.Error().Err(err).Msg("Failed to render review prompt")
		return templateDraft(req)
	}

	resp, err := d.client.Chat(ctx, &ChatRequest{
		Messages: []ChatMessage{
			{Role: "system", Content: "You help happy customers put their experience into words."},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		log.Warn().Err(err).Msg("AI draft failed, using template draft")
		return templateDraft(req)
	}

	text := strings.Trim(strings.TrimSpace(resp.Content()), `"`)
	if text == "" {
		return templateDraft(req)
	}
	return Draft{Text: text, Source: SourceAI}
}

func renderPrompt(req DraftRequest) (string, error) {
	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, req); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func templateDraft(req DraftRequest) Draft {
	name := strings.TrimSpace(req.StoreName)
	if name == "" {
		name = "this place"
	}
	text := fmt.Sprintf("Had a great experience at %s.", name)
	if len(req.Highlights) > 0 {
		text += fmt.Sprintf(" Really enjoyed the %s.", strings.Join(req.Highlights, " and "))
	}
	text += " Would definitely recommend!"
	return Draft{Text: text, Source: SourceTemplate}
}
