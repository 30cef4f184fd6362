package captcha

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// SVGRenderer 内置的SVG验证码渲染器：字符随机旋转加抖动，
// 再画几条干扰线。不依赖字体文件，适合默认部署。
type SVGRenderer struct {
	Width  int
	Height int
}

func NewSVGRenderer() *SVGRenderer {
	return &SVGRenderer{Width: 200, Height: 70}
}

func (r *SVGRenderer) ContentType() string {
	return "image/svg+xml"
}

func (r *SVGRenderer) Render(value string) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d">`, r.Width, r.Height)
	fmt.Fprintf(&b, `<rect width="%d" height="%d" fill="#f4f4f4"/>`, r.Width, r.Height)

	for i := 0; i < 4; i++ {
		fmt.Fprintf(&b, `<line x1="0" y1="%d" x2="%d" y2="%d" stroke="#999" stroke-width="1"/>`,
			randInt(r.Height), r.Width, randInt(r.Height))
	}

	step := r.Width / (len(value) + 1)
	for i, ch := range value {
		x := step * (i + 1)
		y := r.Height/2 + randInt(16) - 8
		rot := randInt(50) - 25
		fmt.Fprintf(&b,
			`<text x="%d" y="%d" font-size="34" font-family="monospace" fill="#333" transform="rotate(%d %d %d)">%c</text>`,
			x, y, rot, x, y, ch)
	}
	b.WriteString(`</svg>`)
	return []byte(b.String()), nil
}

func randInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
