package plans

import (
	"fmt"

	"github.com/promokit/promokit/app/models"
	"github.com/promokit/promokit/internal/pkg/apperrors"
)

// ImagePolicy describes what one image batch costs and may contain for a
// given (plan, mode). The cost is charged once per batch regardless of how
// many output variants the batch fans out into.
type ImagePolicy struct {
	CostPerRequest   float64
	OutputCount      int
	MaxProductImages int
	MaxStyleImages   int
	MaxPromptChars   int
	AllowedModels    []string
}

// VideoPolicy describes one video request for a given (plan, mode).
type VideoPolicy struct {
	CostPerVideo   float64
	OutputCount    int
	MaxImages      int
	MaxPromptChars int
	AllowedModels  []string
}

// CopywriterPolicy describes one product-copy card request for a plan.
type CopywriterPolicy struct {
	CostPerCard     float64
	CardsPerRequest int
	MaxPromptChars  int
}

// GetImagePolicy resolves the image policy for (plan, mode). Unsupported
// combinations yield PLAN_RESTRICTED carrying the next tier up.
func GetImagePolicy(plan Plan, mode models.GenerationMode) (*ImagePolicy, error) {
	switch plan {
	case PlanFree:
		if mode == models.ModeBasic {
			return &ImagePolicy{
				CostPerRequest:   2,
				OutputCount:      1,
				MaxProductImages: 1,
				MaxStyleImages:   0,
				MaxPromptChars:   500,
				AllowedModels:    []string{"flux-schnell"},
			}, nil
		}
	case PlanStarter:
		switch mode {
		case models.ModeBasic:
			return &ImagePolicy{
				CostPerRequest:   2,
				OutputCount:      2,
				MaxProductImages: 2,
				MaxStyleImages:   1,
				MaxPromptChars:   1000,
				AllowedModels:    []string{"flux-schnell", "sdxl"},
			}, nil
		case models.ModePro:
			return &ImagePolicy{
				CostPerRequest:   5,
				OutputCount:      2,
				MaxProductImages: 3,
				MaxStyleImages:   2,
				MaxPromptChars:   1500,
				AllowedModels:    []string{"flux-dev", "sdxl"},
			}, nil
		}
	case PlanPro:
		switch mode {
		case models.ModeBasic:
			return &ImagePolicy{
				CostPerRequest:   2,
				OutputCount:      2,
				MaxProductImages: 3,
				MaxStyleImages:   2,
				MaxPromptChars:   1500,
				AllowedModels:    []string{"flux-schnell", "sdxl"},
			}, nil
		case models.ModePro:
			return &ImagePolicy{
				CostPerRequest:   5,
				OutputCount:      3,
				MaxProductImages: 4,
				MaxStyleImages:   3,
				MaxPromptChars:   2000,
				AllowedModels:    []string{"flux-dev", "sdxl", "seedream"},
			}, nil
		case models.ModePremium:
			return &ImagePolicy{
				CostPerRequest:   9,
				OutputCount:      3,
				MaxProductImages: 4,
				MaxStyleImages:   3,
				MaxPromptChars:   2000,
				AllowedModels:    []string{"flux-pro", "seedream"},
			}, nil
		}
	case PlanBusinessPlus:
		switch mode {
		case models.ModeBasic:
			return &ImagePolicy{
				CostPerRequest:   2,
				OutputCount:      2,
				MaxProductImages: 4,
				MaxStyleImages:   3,
				MaxPromptChars:   2000,
				AllowedModels:    []string{"flux-schnell", "sdxl"},
			}, nil
		case models.ModePro:
			return &ImagePolicy{
				CostPerRequest:   5,
				OutputCount:      4,
				MaxProductImages: 6,
				MaxStyleImages:   4,
				MaxPromptChars:   3000,
				AllowedModels:    []string{"flux-dev", "sdxl", "seedream"},
			}, nil
		case models.ModePremium:
			return &ImagePolicy{
				CostPerRequest:   12,
				OutputCount:      4,
				MaxProductImages: 6,
				MaxStyleImages:   4,
				MaxPromptChars:   3000,
				AllowedModels:    []string{"flux-pro", "seedream", "imagen"},
			}, nil
		}
	}
	return nil, restricted(plan, "image", string(mode))
}

// GetVideoPolicy resolves the video policy for (plan, mode). Video is a paid
// feature; the free tier is always restricted.
func GetVideoPolicy(plan Plan, mode models.GenerationMode) (*VideoPolicy, error) {
	switch plan {
	case PlanStarter:
		if mode == models.ModeBasic {
			return &VideoPolicy{
				CostPerVideo:   15,
				OutputCount:    1,
				MaxImages:      1,
				MaxPromptChars: 800,
				AllowedModels:  []string{"kling-lite"},
			}, nil
		}
	case PlanPro:
		switch mode {
		case models.ModeBasic:
			return &VideoPolicy{
				CostPerVideo:   15,
				OutputCount:    1,
				MaxImages:      2,
				MaxPromptChars: 1200,
				AllowedModels:  []string{"kling-lite", "kling-std"},
			}, nil
		case models.ModePro:
			return &VideoPolicy{
				CostPerVideo:   25,
				OutputCount:    1,
				MaxImages:      3,
				MaxPromptChars: 1500,
				AllowedModels:  []string{"kling-std", "veo-fast"},
			}, nil
		}
	case PlanBusinessPlus:
		switch mode {
		case models.ModeBasic:
			return &VideoPolicy{
				CostPerVideo:   15,
				OutputCount:    1,
				MaxImages:      3,
				MaxPromptChars: 1500,
				AllowedModels:  []string{"kling-lite", "kling-std"},
			}, nil
		case models.ModePro:
			return &VideoPolicy{
				CostPerVideo:   25,
				OutputCount:    1,
				MaxImages:      4,
				MaxPromptChars: 2000,
				AllowedModels:  []string{"kling-std", "veo-fast"},
			}, nil
		case models.ModePremium:
			return &VideoPolicy{
				CostPerVideo:   40,
				OutputCount:    1,
				MaxImages:      4,
				MaxPromptChars: 2000,
				AllowedModels:  []string{"kling-pro", "veo"},
			}, nil
		}
	}
	return nil, restricted(plan, "video", string(mode))
}

// GetCopywriterPolicy resolves the product-copy policy for a plan. Per-card
// cost drops on higher tiers.
func GetCopywriterPolicy(plan Plan) (*CopywriterPolicy, error) {
	switch plan {
	case PlanFree:
		return &CopywriterPolicy{CostPerCard: 1, CardsPerRequest: 1, MaxPromptChars: 500}, nil
	case PlanStarter:
		return &CopywriterPolicy{CostPerCard: 1, CardsPerRequest: 1, MaxPromptChars: 1000}, nil
	case PlanPro:
		return &CopywriterPolicy{CostPerCard: 0.8, CardsPerRequest: 1, MaxPromptChars: 2000}, nil
	case PlanBusinessPlus:
		return &CopywriterPolicy{CostPerCard: 0.5, CardsPerRequest: 1, MaxPromptChars: 3000}, nil
	}
	return nil, restricted(plan, "copywriter", "")
}

// ModelAllowed checks a requested model against the whitelist. An empty
// request selects the policy default (first entry).
func ModelAllowed(allowed []string, model string) bool {
	if model == "" {
		return true
	}
	for _, m := range allowed {
		if m == model {
			return true
		}
	}
	return false
}

// DefaultModel returns the policy's first whitelisted model.
func DefaultModel(allowed []string) string {
	if len(allowed) == 0 {
		return ""
	}
	return allowed[0]
}

func restricted(plan Plan, service, mode string) error {
	msg := fmt.Sprintf("plan %q does not include %s generation", plan, service)
	if mode != "" {
		msg = fmt.Sprintf("plan %q does not include %s mode %q", plan, service, mode)
	}
	return apperrors.PlanRestricted(msg, string(NextTier(plan)))
}
