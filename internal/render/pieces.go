package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	nchess "github.com/corentings/chess/v2"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

// Silhouettes on a 45x45 canvas. Fill and stroke are set per side.
var pieceShapes = map[nchess.PieceType]string{
	nchess.Pawn: `<circle cx="22.5" cy="13" r="5.5"/>
<path d="M17 34 L19.5 20 L25.5 20 L28 34 Z"/>
<rect x="11" y="33" width="23" height="6" rx="2"/>`,
	nchess.Rook: `<path d="M11 10 L15 10 L15 13 L20 13 L20 10 L25 10 L25 13 L30 13 L30 10 L34 10 L34 17 L11 17 Z"/>
<rect x="14" y="17" width="17" height="15"/>
<rect x="10" y="32" width="25" height="7" rx="1.5"/>`,
	nchess.Knight: `<path d="M14 38 L31 38 L31 26 C31 16 27 10 20 9 L17 6 L16 11 C12 14 9 20 10 24 L14 25 L18 21 L21 21 C17 26 14 31 14 38 Z"/>
<circle cx="18" cy="14" r="1.2"/>`,
	nchess.Bishop: `<circle cx="22.5" cy="8" r="3"/>
<path d="M22.5 11 C15 16 14 24 17 30 L28 30 C31 24 30 16 22.5 11 Z"/>
<rect x="11" y="31" width="23" height="7" rx="2"/>`,
	nchess.Queen: `<path d="M9 14 L14 28 L17 12 L22.5 27 L28 12 L31 28 L36 14 L33 32 L12 32 Z"/>
<circle cx="9" cy="12" r="2.5"/>
<circle cx="17" cy="10" r="2.5"/>
<circle cx="28" cy="10" r="2.5"/>
<circle cx="36" cy="12" r="2.5"/>
<rect x="11" y="32" width="23" height="6" rx="2"/>`,
	nchess.King: `<path d="M21 4 L24 4 L24 7 L27 7 L27 10 L24 10 L24 14 L21 14 L21 10 L18 10 L18 7 L21 7 Z"/>
<path d="M22.5 14 C30 14 36 19 34 25 L31 32 L14 32 L11 25 C9 19 15 14 22.5 14 Z"/>
<rect x="11" y="32" width="23" height="6" rx="2"/>`,
}

func pieceSVG(piece nchess.Piece) ([]byte, error) {
	shape, ok := pieceShapes[piece.Type()]
	if !ok {
		return nil, fmt.Errorf("no shape for piece %v", piece)
	}
	fill, stroke := "#f8f8f8", "#202020"
	if piece.Color() == nchess.Black {
		fill, stroke = "#2b2b2b", "#000000"
	}
	svg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 45 45" width="45" height="45">`+
		`<g fill="%s" stroke="%s" stroke-width="1.5" stroke-linejoin="round">%s</g></svg>`, fill, stroke, shape)
	return []byte(svg), nil
}

type pieceCacheKey struct {
	piece nchess.Piece
	size  int
}

type pieceCache struct {
	mu     sync.RWMutex
	images map[pieceCacheKey]image.Image
}

func newPieceCache() *pieceCache {
	return &pieceCache{images: make(map[pieceCacheKey]image.Image)}
}

func (c *pieceCache) get(piece nchess.Piece, size int) (image.Image, error) {
	key := pieceCacheKey{piece: piece, size: size}

	c.mu.RLock()
	if img, ok := c.images[key]; ok {
		c.mu.RUnlock()
		return img, nil
	}
	c.mu.RUnlock()

	data, err := pieceSVG(piece)
	if err != nil {
		return nil, err
	}
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse piece svg: %w", err)
	}
	icon.SetTarget(0, 0, float64(size), float64(size))

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Transparent), image.Point{}, draw.Src)
	scanner := rasterx.NewScannerGV(size, size, img, img.Bounds())
	raster := rasterx.NewDasher(size, size, scanner)
	icon.Draw(raster, 1.0)

	c.mu.Lock()
	c.images[key] = img
	c.mu.Unlock()
	return img, nil
}
