package kernels

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"

	"github.com/23skdu/longbow-stride/internal/image"
	"github.com/23skdu/longbow-stride/internal/status"
)

// Op names a kernel.
type Op string

const (
	OpTranspose    Op = "transpose"
	OpEqualizeHist Op = "equalize_hist"
	OpCalcHist     Op = "calc_hist"
)

// Ops lists every kernel.
func Ops() []Op {
	return []Op{OpTranspose, OpEqualizeHist, OpCalcHist}
}

// ParseOp accepts kernel names in any case, with '-' or '_' separators.
func ParseOp(s string) (Op, error) {
	name := cases.Fold().String(strings.TrimSpace(s))
	name = strings.ReplaceAll(name, "-", "_")
	switch Op(name) {
	case OpTranspose:
		return OpTranspose, nil
	case OpEqualizeHist, "equalizehist":
		return OpEqualizeHist, nil
	case OpCalcHist, "calchist":
		return OpCalcHist, nil
	}
	return "", fmt.Errorf("kernel %q: %w", s, status.ErrUnsupportedConfiguration)
}

type transposeFunc func(in, out []byte, height, width, inStride, outStride int)

type histFunc func(in []byte, hist []uint32, height, width, stride int)

type remapFunc func(in, out []byte, luts [][256]uint8, height, width, inStride, outStride int)

var (
	u8c1  = image.MustFormat(image.U8, 1)
	u8c3  = image.MustFormat(image.U8, 3)
	u8c4  = image.MustFormat(image.U8, 4)
	f32c1 = image.MustFormat(image.F32, 1)
	f32c3 = image.MustFormat(image.F32, 3)
	f32c4 = image.MustFormat(image.F32, 4)
)

// The dispatch tables are the closed set of instantiations. A format missing
// from a table is rejected when the kernel is constructed.
var (
	transposeTable = map[image.Format]transposeFunc{
		u8c1:  transposeFor[uint8](1),
		u8c3:  transposeFor[uint8](3),
		u8c4:  transposeFor[uint8](4),
		f32c1: transposeFor[float32](1),
		f32c3: transposeFor[float32](3),
		f32c4: transposeFor[float32](4),
	}

	histTable = map[image.Format]histFunc{
		u8c1: histFor(1),
		u8c3: histFor(3),
		u8c4: histFor(4),
	}

	remapTable = map[image.Format]remapFunc{
		u8c1: remapFor(1),
		u8c3: remapFor(3),
		u8c4: remapFor(4),
	}
)

// Formats lists the formats op supports.
func Formats(op Op) []image.Format {
	var out []image.Format
	for _, f := range image.Formats() {
		if Supports(op, f) {
			out = append(out, f)
		}
	}
	return out
}

// Supports reports whether op has an instantiation for f.
func Supports(op Op, f image.Format) bool {
	switch op {
	case OpTranspose:
		_, ok := transposeTable[f]
		return ok
	case OpEqualizeHist:
		_, ok := remapTable[f]
		return ok
	case OpCalcHist:
		_, ok := histTable[f]
		return ok
	}
	return false
}

func unsupported(op Op, f image.Format) error {
	return fmt.Errorf("%s for %s: %w", op, f, status.ErrUnsupportedConfiguration)
}
