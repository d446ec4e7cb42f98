// Package chain drives the composed image -> analysis -> video pipeline and
// degrades it to a single video generation when the image step fails.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/angelmondragon/genforge-backend/pkg/enums"
)

var ErrIllegalTransition = errors.New("illegal chain step transition")

// transitions lists every legal forward move.
var transitions = map[enums.ChainStep][]enums.ChainStep{
	enums.ChainStepGeneratingImage: {enums.ChainStepAnalyzingImage, enums.ChainStepFallbackToVeo3, enums.ChainStepError},
	enums.ChainStepAnalyzingImage:  {enums.ChainStepGeneratingVideo, enums.ChainStepFallbackToVeo3, enums.ChainStepError},
	enums.ChainStepFallbackToVeo3:  {enums.ChainStepGeneratingVideo, enums.ChainStepError},
	enums.ChainStepGeneratingVideo: {enums.ChainStepCompleted, enums.ChainStepError},
}

// CanTransition reports whether from -> to is an edge of the step graph.
func CanTransition(from, to enums.ChainStep) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// State is the chain's step metadata. Which optional fields may be set depends
// on Step; Validate enforces the combinations.
type State struct {
	Step            enums.ChainStep               `json:"step"`
	Timestamps      map[enums.ChainStep]time.Time `json:"timestamps"`
	ImageRetryCount int                           `json:"imageRetryCount,omitempty"`
	ImageURL        string                        `json:"imageUrl,omitempty"`
	ImageProvider   enums.Provider                `json:"imageProvider,omitempty"`
	Analysis        string                        `json:"analysis,omitempty"`
	FallbackReason  string                        `json:"fallbackReason,omitempty"`
	ErrorReason     string                        `json:"errorReason,omitempty"`
}

// NewState starts a chain on the image step.
func NewState(provider enums.Provider, now time.Time) State {
	return State{
		Step:          enums.ChainStepGeneratingImage,
		Timestamps:    map[enums.ChainStep]time.Time{enums.ChainStepGeneratingImage: now.UTC()},
		ImageProvider: provider,
	}
}

// Degraded reports whether the chain went through the fallback.
func (s State) Degraded() bool { return s.FallbackReason != "" }

// StartedAt is when the chain entered its first step.
func (s State) StartedAt() time.Time { return s.Timestamps[enums.ChainStepGeneratingImage] }

// Elapsed is the time spent in the current step.
func (s State) Elapsed(now time.Time) time.Duration {
	entered, ok := s.Timestamps[s.Step]
	if !ok {
		return 0
	}
	return now.Sub(entered)
}

func (s State) Validate() error {
	if !s.Step.IsValid() {
		return fmt.Errorf("invalid chain step %q", s.Step)
	}
	if _, ok := s.Timestamps[s.Step]; !ok {
		return fmt.Errorf("chain step %s has no entry timestamp", s.Step)
	}
	switch s.Step {
	case enums.ChainStepGeneratingImage:
		if s.ImageURL != "" || s.Analysis != "" || s.Degraded() {
			return errors.New("generating_image carries later-step fields")
		}
	case enums.ChainStepAnalyzingImage:
		if s.ImageURL == "" {
			return errors.New("analyzing_image requires an image url")
		}
		if s.Analysis != "" || s.Degraded() {
			return errors.New("analyzing_image carries later-step fields")
		}
	case enums.ChainStepFallbackToVeo3:
		if !s.Degraded() {
			return errors.New("fallback_to_veo3 requires a fallback reason")
		}
		if s.Analysis != "" {
			return errors.New("fallback_to_veo3 carries an analysis")
		}
	case enums.ChainStepGeneratingVideo:
		if !s.Degraded() && (s.ImageURL == "" || s.Analysis == "") {
			return errors.New("generating_video requires an analysed keyframe or a fallback")
		}
	case enums.ChainStepError:
		if s.ErrorReason == "" {
			return errors.New("error step requires a reason")
		}
	}
	if s.Step != enums.ChainStepError && s.ErrorReason != "" {
		return fmt.Errorf("%s carries an error reason", s.Step)
	}
	return nil
}

func (s State) advance(to enums.ChainStep, now time.Time) (State, error) {
	if !CanTransition(s.Step, to) {
		return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Step, to)
	}
	next := s
	next.Timestamps = make(map[enums.ChainStep]time.Time, len(s.Timestamps)+1)
	for step, at := range s.Timestamps {
		next.Timestamps[step] = at
	}
	next.Step = to
	next.Timestamps[to] = now.UTC()
	return next, nil
}

// ToAnalyzing records the generated keyframe.
func (s State) ToAnalyzing(imageURL string, now time.Time) (State, error) {
	if imageURL == "" {
		return s, errors.New("image url required")
	}
	next, err := s.advance(enums.ChainStepAnalyzingImage, now)
	if err != nil {
		return s, err
	}
	next.ImageURL = imageURL
	return next, nil
}

// ToVideo records the analysis and enters the video step. After a fallback
// analysis is empty.
func (s State) ToVideo(analysis string, now time.Time) (State, error) {
	next, err := s.advance(enums.ChainStepGeneratingVideo, now)
	if err != nil {
		return s, err
	}
	if !s.Degraded() {
		next.Analysis = analysis
	}
	return next, nil
}

// ToFallback records why the chain degraded.
func (s State) ToFallback(reason string, now time.Time) (State, error) {
	if reason == "" {
		return s, errors.New("fallback reason required")
	}
	next, err := s.advance(enums.ChainStepFallbackToVeo3, now)
	if err != nil {
		return s, err
	}
	next.FallbackReason = reason
	return next, nil
}

func (s State) ToCompleted(now time.Time) (State, error) {
	return s.advance(enums.ChainStepCompleted, now)
}

func (s State) ToError(reason string, now time.Time) (State, error) {
	if reason == "" {
		reason = "chain failed"
	}
	next, err := s.advance(enums.ChainStepError, now)
	if err != nil {
		return s, err
	}
	next.ErrorReason = reason
	return next, nil
}

// JSON encodes the state for the step_metadata column.
func (s State) JSON() (datatypes.JSON, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// ParseState decodes and validates step metadata. It returns nil for a job
// without metadata.
func ParseState(raw datatypes.JSON) (*State, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode chain state: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
