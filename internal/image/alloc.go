package image

import (
	"fmt"

	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/status"
)

// Alloc allocates a height x width image on backend. Packed images have
// Stride == Width*Channels; pitched images use the device's aligned row
// pitch.
func Alloc(backend device.Backend, f Format, height, width int, pitched bool) (Desc, error) {
	if height <= 0 || width <= 0 {
		return Desc{}, fmt.Errorf("alloc %dx%d image: %w", height, width, status.ErrInvalidArgument)
	}
	d := Desc{Format: f, Height: height, Width: width}
	rowBytes := width * f.PixelBytes()

	if pitched {
		ptr, pitch, err := backend.MallocPitch(rowBytes, height)
		if err != nil {
			return Desc{}, fmt.Errorf("alloc %dx%d %s image: %w", height, width, f, err)
		}
		d.Ptr = ptr
		d.Stride = pitch / f.Elem.Size()
		return d, nil
	}

	ptr, err := backend.Malloc(int64(rowBytes) * int64(height))
	if err != nil {
		return Desc{}, fmt.Errorf("alloc %dx%d %s image: %w", height, width, f, err)
	}
	d.Ptr = ptr
	d.Stride = d.RowElems()
	return d, nil
}

// Free releases an image allocated by Alloc.
func Free(backend device.Backend, d Desc) error {
	return backend.Free(d.Ptr)
}

// Upload copies densely packed host rows into d.
func Upload(backend device.Backend, d Desc, host []byte) error {
	rowBytes := d.RowElems() * d.Elem.Size()
	if len(host) != rowBytes*d.Height {
		return fmt.Errorf("upload %d bytes into %s: %w", len(host), d, status.ErrInvalidArgument)
	}
	if d.Packed() {
		return backend.CopyToDevice(d.Ptr, host)
	}
	pitch := int64(d.Stride * d.Elem.Size())
	for y := 0; y < d.Height; y++ {
		if err := backend.CopyToDevice(d.Ptr.Add(int64(y)*pitch), host[y*rowBytes:(y+1)*rowBytes]); err != nil {
			return err
		}
	}
	return nil
}

// Download copies d into densely packed host rows.
func Download(backend device.Backend, d Desc) ([]byte, error) {
	rowBytes := d.RowElems() * d.Elem.Size()
	host := make([]byte, rowBytes*d.Height)
	if d.Packed() {
		if err := backend.CopyToHost(host, d.Ptr); err != nil {
			return nil, err
		}
		return host, nil
	}
	pitch := int64(d.Stride * d.Elem.Size())
	for y := 0; y < d.Height; y++ {
		if err := backend.CopyToHost(host[y*rowBytes:(y+1)*rowBytes], d.Ptr.Add(int64(y)*pitch)); err != nil {
			return nil, err
		}
	}
	return host, nil
}

// View resolves the device bytes covered by d.
func View(backend device.Backend, d Desc) ([]byte, error) {
	return backend.View(d.Ptr, d.SpanBytes())
}
