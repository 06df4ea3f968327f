package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	imagedraw "image/draw"
	"image/png"
	"strings"

	nchess "github.com/corentings/chess/v2"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/park285/cheese-chess-bot/internal/chess"
)

const (
	defaultSquareSize = 64
	margin            = 24
	captionHeight     = 28
)

var (
	lightSquare     = color.RGBA{233, 207, 163, 255}
	darkSquare      = color.RGBA{187, 136, 96, 255}
	backgroundColor = color.RGBA{28, 31, 46, 255}
	lastMoveFill    = color.NRGBA{R: 255, G: 228, B: 120, A: 140}
	coordinateColor = color.NRGBA{R: 204, G: 210, B: 236, A: 255}
	captionColor    = color.NRGBA{R: 236, G: 239, B: 255, A: 255}
)

type Options struct {
	// Perspective Black draws rank 1 at the top.
	Perspective chess.Color
	LastMove    *nchess.Move
	Caption     string
}

// Renderer draws board diagrams as PNG.
type Renderer struct {
	squareSize int
	pieces     *pieceCache
}

func New(squareSize int) *Renderer {
	if squareSize <= 0 {
		squareSize = defaultSquareSize
	}
	return &Renderer{squareSize: squareSize, pieces: newPieceCache()}
}

func (r *Renderer) RenderPNG(ctx context.Context, pos *nchess.Position, opts Options) ([]byte, error) {
	if pos == nil {
		return nil, fmt.Errorf("position is nil")
	}
	board := pos.Board()
	boardSize := r.squareSize * 8
	top := margin
	if strings.TrimSpace(opts.Caption) != "" {
		top += captionHeight
	}
	origin := image.Point{X: margin, Y: top}
	img := image.NewRGBA(image.Rect(0, 0, boardSize+margin*2, boardSize+top+margin))
	imagedraw.Draw(img, img.Bounds(), image.NewUniform(backgroundColor), image.Point{}, imagedraw.Src)

	flip := opts.Perspective == chess.Black
	r.drawSquares(img, origin, flip)
	if opts.LastMove != nil {
		r.fillSquare(img, opts.LastMove.S1(), origin, flip, lastMoveFill)
		r.fillSquare(img, opts.LastMove.S2(), origin, flip, lastMoveFill)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := r.drawPieces(img, board, origin, flip); err != nil {
		return nil, err
	}
	r.drawCoordinates(img, origin, flip)
	drawCaption(img, opts.Caption)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) squareRect(sq nchess.Square, origin image.Point, flip bool) image.Rectangle {
	col, row := int(sq.File()), 7-int(sq.Rank())
	if flip {
		col, row = 7-col, int(sq.Rank())
	}
	x := origin.X + col*r.squareSize
	y := origin.Y + row*r.squareSize
	return image.Rect(x, y, x+r.squareSize, y+r.squareSize)
}

func (r *Renderer) drawSquares(dst *image.RGBA, origin image.Point, flip bool) {
	for _, sq := range allSquares() {
		rect := r.squareRect(sq, origin, flip)
		imagedraw.Draw(dst, rect, image.NewUniform(squareColor(sq)), image.Point{}, imagedraw.Src)
	}
}

func (r *Renderer) fillSquare(dst *image.RGBA, sq nchess.Square, origin image.Point, flip bool, clr color.Color) {
	imagedraw.Draw(dst, r.squareRect(sq, origin, flip), image.NewUniform(clr), image.Point{}, imagedraw.Over)
}

func (r *Renderer) drawPieces(dst *image.RGBA, board *nchess.Board, origin image.Point, flip bool) error {
	for sq, piece := range board.SquareMap() {
		if piece == nchess.NoPiece {
			continue
		}
		img, err := r.pieces.get(piece, r.squareSize)
		if err != nil {
			return err
		}
		imagedraw.Draw(dst, r.squareRect(sq, origin, flip), img, image.Point{}, imagedraw.Over)
	}
	return nil
}

func (r *Renderer) drawCoordinates(dst *image.RGBA, origin image.Point, flip bool) {
	face := basicfont.Face7x13
	drawer := &font.Drawer{Dst: dst, Face: face, Src: image.NewUniform(coordinateColor)}
	ascent := face.Metrics().Ascent.Ceil()
	half := r.squareSize / 2
	for i := 0; i < 8; i++ {
		file := nchess.File(i)
		rank := nchess.Rank(i)
		fileRect := r.squareRect(nchess.NewSquare(file, nchess.Rank1), origin, flip)
		rankRect := r.squareRect(nchess.NewSquare(nchess.FileA, rank), origin, flip)

		drawCentered(drawer, file.String(), fileRect.Min.X+half, origin.Y+8*r.squareSize+ascent+4)
		drawCentered(drawer, rank.String(), origin.X-margin/2, rankRect.Min.Y+half+ascent/2)
	}
}

func drawCaption(dst *image.RGBA, caption string) {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return
	}
	face := basicfont.Face7x13
	drawer := &font.Drawer{Dst: dst, Face: face, Src: image.NewUniform(captionColor)}
	drawCentered(drawer, caption, dst.Bounds().Dx()/2, margin/2+face.Metrics().Ascent.Ceil()+4)
}

func drawCentered(drawer *font.Drawer, text string, centerX, baseline int) {
	if text == "" {
		return
	}
	width := drawer.MeasureString(text).Round()
	drawer.Dot = fixed.P(centerX-width/2, baseline)
	drawer.DrawString(text)
}

func squareColor(sq nchess.Square) color.Color {
	if (int(sq.File())+int(sq.Rank()))%2 == 0 {
		return darkSquare
	}
	return lightSquare
}

func allSquares() []nchess.Square {
	out := make([]nchess.Square, 0, 64)
	for rank := 0; rank < 8; rank++ {
		for file := 0; file < 8; file++ {
			out = append(out, nchess.NewSquare(nchess.File(file), nchess.Rank(rank)))
		}
	}
	return out
}
