package presence

import (
	"hash/fnv"
	"math/rand"

	"github.com/lucasb-eyer/go-colorful"
)

// Cursor colours live in a narrow, dark HCL lightness band so every
// participant's highlight has the same contrast.
const (
	darkLightness = 0.38
	darkChroma    = 0.3
	maxLightness  = 0.55
	minLightness  = 0.2
)

// DarkColor derives a stable colour from seed, usually the display name.
func DarkColor(seed string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	return hueToHex(float64(h.Sum32() % 360))
}

// RandomDarkColor picks a random hue in the dark band.
func RandomDarkColor() string {
	return hueToHex(rand.Float64() * 360)
}

// IsDark reports whether hex parses and falls inside the dark band.
func IsDark(hex string) bool {
	c, err := colorful.Hex(hex)
	if err != nil {
		return false
	}
	_, _, l := c.Hcl()
	return l >= minLightness && l <= maxLightness
}

func hueToHex(hue float64) string {
	return colorful.Hcl(hue, darkChroma, darkLightness).Clamped().Hex()
}
