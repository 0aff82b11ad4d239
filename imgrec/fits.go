package imgrec

import (
	"image"
	"image/color"
	"io"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"
)

// WriteFits streams a 16-bit FITS file holding the images to w.  More than one
// image produces a cube.  All images must share the bounds of the first.
func WriteFits(w io.Writer, metadata []fitsio.Card, imgs ...image.Image) error {
	if len(imgs) == 0 {
		return errors.New("no images to write")
	}
	metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	b := imgs[0].Bounds()
	width, height := b.Dx(), b.Dy()
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{width, height}
	if len(imgs) > 1 {
		dims = append(dims, len(imgs))
	}
	im := fitsio.NewImage(16, dims)
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}

	ints := make([]int16, 0, width*height*len(imgs))
	for i, img := range imgs {
		if img.Bounds() != b {
			return errors.Errorf("image %d has bounds %v, expected %v", i, img.Bounds(), b)
		}
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				v := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y
				ints = append(ints, int16(int32(v)-32768))
			}
		}
	}
	err = im.Write(ints)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
