package gemini

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.Und)

// BackgroundPrompt builds the scene-generation prompt for a theme. Themes
// arrive as free-form selectors ("rustic-wood", "studio white"); they are
// normalized into readable scene descriptions.
func BackgroundPrompt(theme string, variants int) string {
	scene := themeScene(theme)
	var b strings.Builder
	fmt.Fprintf(&b, "Photorealistic e-commerce product backdrop: %s.", scene)
	b.WriteString(" Empty center stage with soft natural shadows, no products, no text, no people.")
	if variants > 1 {
		fmt.Fprintf(&b, " Provide %d distinct compositions of the same scene.", variants)
	}
	return b.String()
}

// CompositePrompt instructs the model to place the cutout onto the scene.
func CompositePrompt(theme string) string {
	return fmt.Sprintf(
		"Place the product from the first image onto the %s background from the reference image. "+
			"Match lighting and perspective, add a realistic contact shadow, keep the product unaltered.",
		themeScene(theme))
}

// EditPrompt is the single-step variant: replace the background around the
// product in one edit.
func EditPrompt(theme string) string {
	return fmt.Sprintf(
		"Remove the existing background around the product and replace it with %s. "+
			"Keep the product pixels untouched and blend edges cleanly.",
		themeScene(theme))
}

func themeScene(theme string) string {
	cleaned := strings.TrimSpace(strings.ToLower(theme))
	cleaned = strings.ReplaceAll(cleaned, "-", " ")
	cleaned = strings.ReplaceAll(cleaned, "_", " ")
	if cleaned == "" {
		cleaned = "neutral studio"
	}
	return titleCaser.String(cleaned)
}
