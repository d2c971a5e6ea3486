package objstore

import (
	"fmt"
	"net/url"
	"strings"
)

// Deterministic key derivation. Every stage output lives at a key computed
// purely from job identity fields, so re-running a stage overwrites the same
// object and collaborators can locate outputs without a database lookup.
//
// Layout:
//
//	products/<sku>/<contentHash>/cutout.png
//	products/<sku>/<contentHash>/mask.png
//	products/<sku>/<contentHash>/backgrounds/<theme>/variant-<n>.png
//	products/<sku>/<contentHash>/composites/<theme>/variant-<n>.png
//	products/<sku>/<contentHash>/derivatives/<theme>/variant-<n>/<size>.<format>
//	products/<sku>/<contentHash>/manifest/<theme>.json

func keyRoot(sku, contentHash string) string {
	return fmt.Sprintf("products/%s/%s", segment(sku), segment(contentHash))
}

// CutoutKey is the background-removed product image.
func CutoutKey(sku, contentHash string) string {
	return keyRoot(sku, contentHash) + "/cutout.png"
}

// MaskKey is the alpha mask produced by segmentation, when the vendor
// returns one.
func MaskKey(sku, contentHash string) string {
	return keyRoot(sku, contentHash) + "/mask.png"
}

// BackgroundKey addresses one generated background variant for a theme.
func BackgroundKey(sku, contentHash, theme string, variant int) string {
	return fmt.Sprintf("%s/backgrounds/%s/variant-%d.png", keyRoot(sku, contentHash), segment(theme), variant)
}

// CompositeKey addresses one composited output variant for a theme.
func CompositeKey(sku, contentHash, theme string, variant int) string {
	return fmt.Sprintf("%s/composites/%s/variant-%d.png", keyRoot(sku, contentHash), segment(theme), variant)
}

// DerivativeKey addresses one resized/reencoded derivative of a composite
// variant. Size is the bounding-box edge in pixels, format the encoder name.
func DerivativeKey(sku, contentHash, theme string, variant, size int, format string) string {
	return fmt.Sprintf("%s/derivatives/%s/variant-%d/%d.%s",
		keyRoot(sku, contentHash), segment(theme), variant, size, strings.ToLower(format))
}

// ManifestKey addresses the published JSON index of all outputs for a theme.
func ManifestKey(sku, contentHash, theme string) string {
	return fmt.Sprintf("%s/manifest/%s.json", keyRoot(sku, contentHash), segment(theme))
}

// segment makes an identity field safe as a single path segment without
// losing determinism.
func segment(value string) string {
	value = strings.TrimSpace(value)
	value = strings.ReplaceAll(value, "/", "-")
	return url.PathEscape(value)
}
