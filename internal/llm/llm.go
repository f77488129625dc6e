// Package llm is the language-model boundary: a single-prompt completion
// interface, the provider-independent safety configuration, bounded retries
// and concurrent batch dispatch with per-slot failure reporting.
package llm

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrEmptyCompletion   = errors.New("model returned an empty completion")
	ErrUnsupportedSafety = errors.New("provider cannot enforce the requested safety thresholds")
	ErrBatchTimeout      = errors.New("batch timeout elapsed before the call completed")
)

type HarmCategory string

const (
	HarmHateSpeech       HarmCategory = "hate_speech"
	HarmDangerousContent HarmCategory = "dangerous_content"
	HarmSexuallyExplicit HarmCategory = "sexually_explicit"
	HarmHarassment       HarmCategory = "harassment"
)

type Threshold string

const (
	ThresholdOff             Threshold = "off"
	ThresholdBlockOnlyHigh   Threshold = "block_only_high"
	ThresholdBlockMediumPlus Threshold = "block_medium_and_above"
	ThresholdBlockLowPlus    Threshold = "block_low_and_above"
)

type SafetySetting struct {
	Category  HarmCategory
	Threshold Threshold
}

// DefaultSafety disables filtering for every harm category. Generated SQL
// and analysis over arbitrary warehouse data must not be blocked mid-answer.
func DefaultSafety() []SafetySetting {
	return []SafetySetting{
		{Category: HarmHateSpeech, Threshold: ThresholdOff},
		{Category: HarmDangerousContent, Threshold: ThresholdOff},
		{Category: HarmSexuallyExplicit, Threshold: ThresholdOff},
		{Category: HarmHarassment, Threshold: ThresholdOff},
	}
}

// RequireSafetyOff is used by providers that expose no per-request harm
// thresholds. They can honour "off" and nothing stricter.
func RequireSafetyOff(settings []SafetySetting) error {
	for _, setting := range settings {
		if setting.Threshold != ThresholdOff {
			return fmt.Errorf("%w: %s=%s", ErrUnsupportedSafety, setting.Category, setting.Threshold)
		}
	}
	return nil
}

type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	Safety      []SafetySetting
}

type Model interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, req Request) (string, error)

func (f ModelFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ModelCallError is a transport or API failure talking to the provider.
type ModelCallError struct {
	Provider string
	Err      error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("%s model call failed: %v", e.Provider, e.Err)
}

func (e *ModelCallError) Unwrap() error {
	return e.Err
}
