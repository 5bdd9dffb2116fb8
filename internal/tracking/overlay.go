package tracking

import (
	"fmt"
	"image"

	"github.com/fogleman/gg"
)

// Annotate returns a copy of img with every annotation outlined: the
// tracked subject in green, the rest in red
func Annotate(img image.Image, anns []Annotation) image.Image {
	if len(anns) == 0 {
		return img
	}
	dc := gg.NewContextForImage(img)
	dc.SetLineWidth(2)

	for _, a := range anns {
		if a.Tracked {
			dc.SetRGB(0, 1, 0)
		} else {
			dc.SetRGB(1, 0, 0)
		}
		dc.DrawRectangle(a.X1, a.Y1, a.X2-a.X1, a.Y2-a.Y1)
		dc.Stroke()

		if text := caption(a.Detection); text != "" {
			dc.DrawString(text, a.X1, a.Y1-4)
		}
	}
	return dc.Image()
}

// Crosshair returns a copy of img with green lines through its centre
func Crosshair(img image.Image) image.Image {
	dc := gg.NewContextForImage(img)
	w, h := float64(dc.Width()), float64(dc.Height())
	dc.SetRGB(0, 1, 0)
	dc.SetLineWidth(2)
	dc.DrawLine(w/2, 0, w/2, h)
	dc.DrawLine(0, h/2, w, h/2)
	dc.Stroke()
	return dc.Image()
}

func caption(d Detection) string {
	switch {
	case d.Label != "" && d.Score > 0:
		return fmt.Sprintf("%s %.2f", d.Label, d.Score)
	case d.Label != "":
		return d.Label
	case d.Score > 0:
		return fmt.Sprintf("%.2f", d.Score)
	}
	return ""
}
