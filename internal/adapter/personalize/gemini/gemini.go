package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

var coldEmailPrompt = template.Must(template.New("cold_email").Parse(`Generate a personalized cold email for a lead generation service.

Lead Information:
- Name: {{.FirstName}} {{.LastName}}
- Title: {{.Title}}
- Company: {{.Company}}

Client Information:
- Service: AI-powered lead generation
- Target: Hiring managers and HR professionals
- Value Proposition: Fast access to top-tier candidates using AI-sourced leads

Instructions:
1. Keep it under 100 words
2. Make it personal and relevant to their role
3. Include a clear call-to-action
4. Sound professional but friendly
5. Not sales-y
Start with: Hi {{.FirstName}},
End with: Best,
AILeadGen
`))

var icebreakerPrompt = template.Must(template.New("icebreaker").Parse(`Generate a personalized LinkedIn icebreaker.

Lead Information:
- Name: {{.FirstName}} {{.LastName}}
- Title: {{.Title}}
- Company: {{.Company}}

Instructions:
- Under 50 words
- Conversational and friendly
- Reference their company or role
- No sales
- Output ONLY the message
`))

// generator is satisfied by *genai.Models.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Service generates outreach copy with Gemini. Requests share one rate limiter.
type Service struct {
	models  generator
	model   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Gemini-backed domain.PersonalizationService limited to rpm
// requests per minute.
func New(ctx context.Context, apiKey, model string, rpm int, logger *slog.Logger) (*Service, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: GEMINI_API_KEY is required", domain.ErrFatalConfiguration)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newService(client.Models, model, rpm, logger), nil
}

func newService(models generator, model string, rpm int, logger *slog.Logger) *Service {
	if rpm <= 0 {
		rpm = 60
	}
	return &Service{
		models:  models,
		model:   model,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		logger:  logger.With("component", "gemini"),
	}
}

// Generate writes the cold email and icebreaker concurrently.
func (s *Service) Generate(ctx context.Context, lead domain.Lead) (domain.PersonalizedContent, error) {
	var email, icebreaker string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		email, err = s.complete(gctx, coldEmailPrompt, lead)
		return err
	})
	g.Go(func() error {
		var err error
		icebreaker, err = s.complete(gctx, icebreakerPrompt, lead)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.PersonalizedContent{}, err
	}
	return domain.PersonalizedContent{ColdEmail: email, Icebreaker: icebreaker, Source: domain.ContentSourceAI}, nil
}

func (s *Service) complete(ctx context.Context, prompt *template.Template, lead domain.Lead) (string, error) {
	var sb strings.Builder
	if err := prompt.Execute(&sb, lead); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", prompt.Name(), err)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := s.models.GenerateContent(ctx, s.model, genai.Text(sb.String()), nil)
	if err != nil {
		retryable := !errors.Is(err, context.Canceled)
		return "", domain.NewExternalError("gemini", prompt.Name(), domain.ErrServiceUnavailable, err, retryable)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", domain.NewExternalError("gemini", prompt.Name(), domain.ErrServiceUnavailable, errors.New("empty response"), false)
	}
	s.logger.Debug("generated content", "kind", prompt.Name(), "lead_id", lead.ID)
	return text, nil
}
