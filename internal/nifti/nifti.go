// Package nifti implements the minimal NIfTI-1 handling the conversion
// workflow needs: loading single-file .nii/.nii.gz volumes, averaging or
// extracting volumes along the fourth dimension, and writing the result
// back under the source header.
package nifti

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

const headerSize = 348

// NIfTI-1 datatype codes
const (
	typeUint8   = 2
	typeInt16   = 4
	typeInt32   = 8
	typeFloat32 = 16
	typeFloat64 = 64
	typeInt8    = 256
	typeUint16  = 512
	typeUint32  = 768
)

// Image is a decoded single-file NIfTI-1 image. The raw header and the
// bytes between header and voxel data are kept verbatim so derived images
// preserve affines, scaling and vendor fields.
type Image struct {
	order     binary.ByteOrder
	hdr       [headerSize]byte
	ext       []byte
	data      []byte
	dim       [8]int
	datatype  int
	bitpix    int
	voxOffset int
}

// Load reads a .nii or .nii.gz file
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("decompressing %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	img, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func decode(raw []byte) (*Image, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("file shorter than NIfTI-1 header (%d bytes)", len(raw))
	}

	// sizeof_hdr doubles as the endianness probe
	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw[0:4]) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw[0:4]) == headerSize:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a NIfTI-1 file (sizeof_hdr != %d)", headerSize)
	}
	if magic := string(raw[344:347]); magic != "n+1" {
		return nil, fmt.Errorf("unsupported NIfTI magic %q, need single-file n+1", magic)
	}

	img := &Image{order: order}
	copy(img.hdr[:], raw[:headerSize])
	for i := range img.dim {
		img.dim[i] = int(int16(order.Uint16(raw[40+2*i:])))
	}
	img.datatype = int(int16(order.Uint16(raw[70:])))
	img.bitpix = int(int16(order.Uint16(raw[72:])))
	img.voxOffset = int(math.Float32frombits(order.Uint32(raw[108:])))

	if img.voxOffset < headerSize || img.voxOffset > len(raw) {
		return nil, fmt.Errorf("vox_offset %d out of range", img.voxOffset)
	}
	img.ext = raw[headerSize:img.voxOffset]
	img.data = raw[img.voxOffset:]

	if img.bitpix%8 != 0 || img.bitpix == 0 {
		return nil, fmt.Errorf("unsupported bitpix %d", img.bitpix)
	}
	if n := img.Volumes() * img.volumeBytes(); len(img.data) < n {
		return nil, fmt.Errorf("voxel data truncated: have %d bytes, need %d", len(img.data), n)
	}
	return img, nil
}

// Save writes the image, gzip-compressed when path ends in .gz
func (im *Image) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	for _, chunk := range [][]byte{im.hdr[:], im.ext, im.data} {
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return f.Close()
}

// NDim returns the number of dimensions (dim[0])
func (im *Image) NDim() int { return im.dim[0] }

// Volumes returns the length of the fourth dimension, 1 for 3D images
func (im *Image) Volumes() int {
	if im.dim[0] < 4 {
		return 1
	}
	return im.dim[4]
}

func (im *Image) voxelsPerVolume() int {
	n := 1
	for i := 1; i <= 3 && i <= im.dim[0]; i++ {
		n *= im.dim[i]
	}
	return n
}

func (im *Image) volumeBytes() int {
	return im.voxelsPerVolume() * im.bitpix / 8
}

// ExtractVolume returns a 3D image holding volume i, byte-exact
func (im *Image) ExtractVolume(i int) (*Image, error) {
	if im.dim[0] > 4 {
		return nil, fmt.Errorf("unsupported %dD image", im.dim[0])
	}
	if i < 0 || i >= im.Volumes() {
		return nil, fmt.Errorf("volume %d out of range (have %d)", i, im.Volumes())
	}
	size := im.volumeBytes()
	out := im.derive3D()
	out.data = append([]byte(nil), im.data[i*size:(i+1)*size]...)
	return out, nil
}

// MeanVolumes returns a 3D image whose voxels are the mean of the given
// volumes, cast back to the source datatype
func (im *Image) MeanVolumes(indices []int) (*Image, error) {
	if im.dim[0] > 4 {
		return nil, fmt.Errorf("unsupported %dD image", im.dim[0])
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("no volumes to average")
	}
	for _, i := range indices {
		if i < 0 || i >= im.Volumes() {
			return nil, fmt.Errorf("volume %d out of range (have %d)", i, im.Volumes())
		}
	}

	voxels := im.voxelsPerVolume()
	sums := make([]float64, voxels)
	for _, vi := range indices {
		base := vi * voxels
		for j := 0; j < voxels; j++ {
			v, err := im.sample(base + j)
			if err != nil {
				return nil, err
			}
			sums[j] += v
		}
	}

	out := im.derive3D()
	out.data = make([]byte, im.volumeBytes())
	n := float64(len(indices))
	for j := 0; j < voxels; j++ {
		if err := out.putSample(j, sums[j]/n); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// derive3D copies the image metadata with the fourth dimension dropped
func (im *Image) derive3D() *Image {
	out := &Image{
		order:     im.order,
		ext:       append([]byte(nil), im.ext...),
		datatype:  im.datatype,
		bitpix:    im.bitpix,
		voxOffset: im.voxOffset,
	}
	copy(out.hdr[:], im.hdr[:])
	out.dim = im.dim
	out.dim[0] = 3
	for i := 4; i < len(out.dim); i++ {
		out.dim[i] = 1
	}
	for i, d := range out.dim {
		out.order.PutUint16(out.hdr[40+2*i:], uint16(int16(d)))
	}
	return out
}

// sample decodes voxel idx of the data section as float64
func (im *Image) sample(idx int) (float64, error) {
	off := idx * im.bitpix / 8
	b := im.data[off:]
	switch im.datatype {
	case typeUint8:
		return float64(b[0]), nil
	case typeInt8:
		return float64(int8(b[0])), nil
	case typeInt16:
		return float64(int16(im.order.Uint16(b))), nil
	case typeUint16:
		return float64(im.order.Uint16(b)), nil
	case typeInt32:
		return float64(int32(im.order.Uint32(b))), nil
	case typeUint32:
		return float64(im.order.Uint32(b)), nil
	case typeFloat32:
		return float64(math.Float32frombits(im.order.Uint32(b))), nil
	case typeFloat64:
		return math.Float64frombits(im.order.Uint64(b)), nil
	}
	return 0, fmt.Errorf("unsupported NIfTI datatype %d", im.datatype)
}

// putSample encodes v as voxel idx, rounding for integer datatypes
func (im *Image) putSample(idx int, v float64) error {
	off := idx * im.bitpix / 8
	b := im.data[off:]
	switch im.datatype {
	case typeUint8:
		b[0] = uint8(math.Round(v))
	case typeInt8:
		b[0] = uint8(int8(math.Round(v)))
	case typeInt16:
		im.order.PutUint16(b, uint16(int16(math.Round(v))))
	case typeUint16:
		im.order.PutUint16(b, uint16(math.Round(v)))
	case typeInt32:
		im.order.PutUint32(b, uint32(int32(math.Round(v))))
	case typeUint32:
		im.order.PutUint32(b, uint32(math.Round(v)))
	case typeFloat32:
		im.order.PutUint32(b, math.Float32bits(float32(v)))
	case typeFloat64:
		im.order.PutUint64(b, math.Float64bits(v))
	default:
		return fmt.Errorf("unsupported NIfTI datatype %d", im.datatype)
	}
	return nil
}
