// Package prompts builds provider prompts for the simple and chained generation modes.
package prompts

import (
	"fmt"
	"strings"
)

// Request carries the user-facing inputs shared by every template.
type Request struct {
	Prompt       string
	AspectRatio  string
	DurationHint int
	HasReference bool
}

// SimpleImage is the single-call image prompt.
func SimpleImage(req Request) string {
	parts := []string{subject(req.Prompt, "Create a striking, detailed image.")}
	if req.HasReference {
		parts = append(parts, "Keep the subject of the reference image recognisable.")
	}
	parts = append(parts, composition(req.AspectRatio)...)
	return strings.Join(parts, " ")
}

// SimpleVideo is the single-call video prompt. The fallback path reuses it so a
// degraded chain produces the same prompt a direct video request would.
func SimpleVideo(req Request) string {
	parts := []string{subject(req.Prompt, "Create a short cinematic video.")}
	if req.HasReference {
		parts = append(parts, "Animate the reference image as the opening frame.")
	}
	parts = append(parts, "Smooth camera motion, natural lighting, no text overlays.")
	if req.DurationHint > 0 {
		parts = append(parts, fmt.Sprintf("Target length about %d seconds.", req.DurationHint))
	}
	parts = append(parts, composition(req.AspectRatio)...)
	return strings.Join(parts, " ")
}

// ChainImage produces the keyframe prompt for the first chain step.
func ChainImage(req Request) string {
	parts := []string{
		subject(req.Prompt, "Create a striking keyframe."),
		"Render a single still keyframe that will be animated into a video afterwards.",
		"Leave room for motion around the main subject and avoid motion blur.",
	}
	if req.HasReference {
		parts = append(parts, "Stay faithful to the reference image.")
	}
	parts = append(parts, composition(req.AspectRatio)...)
	return strings.Join(parts, " ")
}

// AnalysisInstruction asks the analysis model to describe the keyframe in a
// form the video model can act on.
func AnalysisInstruction(userPrompt string) string {
	var b strings.Builder
	b.WriteString("Describe this image for a video generation model. ")
	b.WriteString("Cover the main subject, setting, lighting, colour palette and camera framing, ")
	b.WriteString("then propose one natural motion that brings the scene to life. ")
	b.WriteString("Answer in at most 120 words of plain prose.")
	if p := strings.TrimSpace(userPrompt); p != "" {
		b.WriteString("\nThe user originally asked for: ")
		b.WriteString(p)
	}
	return b.String()
}

// ChainVideo combines the user's intent with the keyframe analysis.
func ChainVideo(req Request, analysis string) string {
	parts := []string{subject(req.Prompt, "Create a short cinematic video.")}
	if a := strings.TrimSpace(analysis); a != "" {
		parts = append(parts, "Scene description: "+a)
	}
	parts = append(parts, "Animate the provided keyframe as the first frame and keep its style consistent.")
	if req.DurationHint > 0 {
		parts = append(parts, fmt.Sprintf("Target length about %d seconds.", req.DurationHint))
	}
	parts = append(parts, composition(req.AspectRatio)...)
	return strings.Join(parts, " ")
}

func subject(prompt, fallback string) string {
	p := strings.TrimSpace(prompt)
	if p == "" {
		return fallback
	}
	if !strings.HasSuffix(p, ".") {
		p += "."
	}
	return p
}

func composition(aspect string) []string {
	if a := strings.TrimSpace(aspect); a != "" {
		return []string{"Compose for a " + a + " frame."}
	}
	return nil
}
