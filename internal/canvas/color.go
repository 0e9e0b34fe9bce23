package canvas

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidColor indicates that a color value is not a parsable #RRGGBB string.
var ErrInvalidColor = errors.New("canvas: invalid color")

// Color is one canvas cell in packed RGB.
type Color struct {
	R uint8
	G uint8
	B uint8
}

// ColorWhite is what the eraser tool paints.
var ColorWhite = Color{R: 0xFF, G: 0xFF, B: 0xFF}

// ColorZero is the initial color of every cell on a fresh canvas.
var ColorZero = Color{}

// ParseHexColor validates raw input of the form #RRGGBB and returns a Color.
func ParseHexColor(rawInput string) (Color, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) != 7 || trimmed[0] != '#' {
		return Color{}, fmt.Errorf("%w: %q", ErrInvalidColor, rawInput)
	}
	decoded, err := hex.DecodeString(trimmed[1:])
	if err != nil {
		return Color{}, fmt.Errorf("%w: %q", ErrInvalidColor, rawInput)
	}
	return Color{R: decoded[0], G: decoded[1], B: decoded[2]}, nil
}

// Hex returns the canonical #RRGGBB form.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}

// Tool enumerates supported drawing tools.
type Tool string

const (
	// ToolBrush paints the requested color.
	ToolBrush Tool = "brush"
	// ToolEraser paints the background color regardless of the requested color.
	ToolEraser Tool = "eraser"
)

// NormalizeTool maps raw client input to a supported tool. Anything that is
// not the eraser paints like a brush.
func NormalizeTool(rawInput string) Tool {
	if Tool(strings.ToLower(strings.TrimSpace(rawInput))) == ToolEraser {
		return ToolEraser
	}
	return ToolBrush
}

// Effective resolves the color a write actually paints once the tool is applied.
func (t Tool) Effective(requested Color) Color {
	if t == ToolEraser {
		return ColorWhite
	}
	return requested
}

var paletteColors = []string{
	"#000000", "#FFFFFF", "#FF0000", "#00FF00", "#0000FF", "#FFFF00",
	"#FF00FF", "#00FFFF", "#800000", "#008000", "#000080", "#808000",
	"#800080", "#008080", "#C0C0C0", "#808080", "#FFA500", "#A52A2A",
	"#FFD700", "#4B0082", "#F0E68C", "#ADD8E6", "#F08080", "#E0FFFF",
	"#FAFAD2", "#D3D3D3", "#90EE90", "#FFB6C1", "#FFA07A", "#20B2AA",
	"#87CEEB", "#778899",
}

// Palette returns the 32 colors offered to drawing clients.
func Palette() []string {
	out := make([]string, len(paletteColors))
	copy(out, paletteColors)
	return out
}
