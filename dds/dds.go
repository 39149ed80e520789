// Package dds builds bit-exact Microsoft DDS texture headers from the
// compact per-texture descriptors BA2/DX10 archives store. It never reads a
// DDS file, only writes one: the byte layout is fixed by Microsoft's DDS
// specification, so this package's job is entirely an offset-by-offset
// encode, grounded the way other_examples' evrFileTools texture package
// builds headers — direct binary.LittleEndian.PutUint32 writes into a
// preallocated buffer rather than a struct-tag/reflection encoder.
package dds

import (
	"encoding/binary"

	"github.com/icza/bethesda-structs/errs"
)

// DXGIFormat is a Microsoft DXGI_FORMAT enum value. Only the codes this
// module's BA2/DX10 decoder needs to distinguish are named; the full table
// has well over a hundred entries and the rest are irrelevant to texture
// header reconstruction.
type DXGIFormat uint8

// Named DXGI formats used by BA2/DX10 textures, with their real
// DXGI_FORMAT numeric values as defined by Microsoft (and mirrored by
// original_source's contrib/dds.py DXGIFormats enum).
const (
	DXGIFormatR8Unorm       DXGIFormat = 61
	DXGIFormatBC1Unorm      DXGIFormat = 71
	DXGIFormatBC2Unorm      DXGIFormat = 74
	DXGIFormatBC3Unorm      DXGIFormat = 77
	DXGIFormatBC5Unorm      DXGIFormat = 83
	DXGIFormatB8G8R8A8Unorm DXGIFormat = 87
	DXGIFormatBC7Unorm      DXGIFormat = 98
	DXGIFormatBC7UnormSRGB  DXGIFormat = 99
)

// MakeFourCC packs four ASCII bytes little-endian into a u32, matching
// Microsoft's MAKEFOURCC macro. It is self-inverse: FourCCBytes(MakeFourCC(..))
// recovers the original four characters.
func MakeFourCC(c0, c1, c2, c3 byte) uint32 {
	return uint32(c0) | uint32(c1)<<8 | uint32(c2)<<16 | uint32(c3)<<24
}

// FourCCBytes unpacks a u32 produced by MakeFourCC back into its four
// ASCII bytes.
func FourCCBytes(v uint32) [4]byte {
	return [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// DDS pixel-format and header flag bits (Microsoft DDS_PIXELFORMAT /
// DDS_HEADER), named per original_source/contrib/dds.py.
const (
	ddpfAlphaPixels = 0x1
	ddpfFourCC      = 0x4
	ddpfRGB         = 0x40

	ddsdCaps        = 0x1
	ddsdHeight      = 0x2
	ddsdWidth       = 0x4
	ddsdPitch       = 0x8
	ddsdPixelFormat = 0x1000
	ddsdMipMapCount = 0x20000
	ddsdLinearSize  = 0x80000

	ddscapsComplex = 0x8
	ddscapsMipMap  = 0x400000
	ddscapsTexture = 0x1000

	ddscaps2Cubemap   = 0x200
	ddscaps2CubemapPX = 0x400
	ddscaps2CubemapNX = 0x800
	ddscaps2CubemapPY = 0x1000
	ddscaps2CubemapNY = 0x2000
	ddscaps2CubemapPZ = 0x4000
	ddscaps2CubemapNZ = 0x8000

	allCubemapFaces = ddscaps2CubemapPX | ddscaps2CubemapNX |
		ddscaps2CubemapPY | ddscaps2CubemapNY |
		ddscaps2CubemapPZ | ddscaps2CubemapNZ

	// CubemapReserved is the Ba2TexFile reserved-field value that signals
	// "cubemap with all six faces present".
	CubemapReserved = 2049

	// d3d10ResourceDimensionTexture2D is the only resource dimension this
	// module ever writes into DDS_HEADER_DX10.
	d3d10ResourceDimensionTexture2D = 3
)

// Descriptor is the subset of a BA2 texture record needed to build its DDS
// header: width, height, mip count, DXGI format, and the reserved field
// whose value of CubemapReserved signals a six-faced cubemap.
type Descriptor struct {
	Width      uint16
	Height     uint16
	MipCount   uint8
	Format     DXGIFormat
	Reserved   uint16
}

// BuildHeader returns the ASCII "DDS " magic followed by a 124-byte
// DDS_HEADER and, for formats that require it (BC7 and BC7_SRGB), a
// trailing 20-byte DDS_HEADER_DX10. It also returns the linear size the
// caller should use to size/validate the texture's pixel payload.
//
// An unrecognized DXGI format returns *errs.UnsupportedFormat; callers in
// this module's BA2/DX10 iterator treat that as "skip this texture, log a
// diagnostic", per spec.
func BuildHeader(d Descriptor) (header []byte, linearSize uint32, err error) {
	w, h := uint32(d.Width), uint32(d.Height)

	var ddspf [32]byte
	var fourCC uint32
	var hasFourCC bool
	var rgbBitCount uint32
	var rMask, gMask, bMask, aMask uint32
	var alphaPixels bool
	var needsDX10 bool

	switch d.Format {
	case DXGIFormatBC1Unorm:
		fourCC, hasFourCC = MakeFourCC('D', 'X', 'T', '1'), true
		linearSize = w * h / 2
	case DXGIFormatBC2Unorm:
		fourCC, hasFourCC = MakeFourCC('D', 'X', 'T', '3'), true
		linearSize = w * h
	case DXGIFormatBC3Unorm:
		fourCC, hasFourCC = MakeFourCC('D', 'X', 'T', '5'), true
		linearSize = w * h
	case DXGIFormatBC5Unorm:
		fourCC, hasFourCC = MakeFourCC('A', 'T', 'I', '2'), true
		linearSize = w * h
	case DXGIFormatBC7Unorm, DXGIFormatBC7UnormSRGB:
		fourCC, hasFourCC = MakeFourCC('D', 'X', '1', '0'), true
		linearSize = w * h
		needsDX10 = true
	case DXGIFormatB8G8R8A8Unorm:
		rgbBitCount = 32
		rMask, gMask, bMask, aMask = 0x00FF0000, 0x0000FF00, 0x000000FF, 0xFF000000
		alphaPixels = true
		linearSize = w * h * 4
	case DXGIFormatR8Unorm:
		rgbBitCount = 8
		rMask = 0x000000FF
		linearSize = w * h
	default:
		return nil, 0, &errs.UnsupportedFormat{Magic: "DXGI", Version: int(d.Format)}
	}

	pfFlags := uint32(0)
	if hasFourCC {
		pfFlags |= ddpfFourCC
	} else {
		pfFlags |= ddpfRGB
		if alphaPixels {
			pfFlags |= ddpfAlphaPixels
		}
	}
	binary.LittleEndian.PutUint32(ddspf[0:4], 32) // dwSize
	binary.LittleEndian.PutUint32(ddspf[4:8], pfFlags)
	binary.LittleEndian.PutUint32(ddspf[8:12], fourCC)
	binary.LittleEndian.PutUint32(ddspf[12:16], rgbBitCount)
	binary.LittleEndian.PutUint32(ddspf[16:20], rMask)
	binary.LittleEndian.PutUint32(ddspf[20:24], gMask)
	binary.LittleEndian.PutUint32(ddspf[24:28], bMask)
	binary.LittleEndian.PutUint32(ddspf[28:32], aMask)

	caps := uint32(ddscapsComplex | ddscapsTexture | ddscapsMipMap)
	caps2 := uint32(0)
	if d.Reserved == CubemapReserved {
		caps2 = ddscaps2Cubemap | allCubemapFaces
	}

	buf := make([]byte, 4+124)
	copy(buf[0:4], "DDS ")
	hdr := buf[4:]

	binary.LittleEndian.PutUint32(hdr[0:4], 124) // dwSize
	binary.LittleEndian.PutUint32(hdr[4:8], ddsdCaps|ddsdHeight|ddsdWidth|ddsdPixelFormat|ddsdMipMapCount|ddsdLinearSize)
	binary.LittleEndian.PutUint32(hdr[8:12], h)
	binary.LittleEndian.PutUint32(hdr[12:16], w)
	binary.LittleEndian.PutUint32(hdr[16:20], linearSize)
	binary.LittleEndian.PutUint32(hdr[20:24], 0) // dwDepth
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(d.MipCount))
	// hdr[28:72]: dwReserved1[11], left zero.
	copy(hdr[72:104], ddspf[:])
	binary.LittleEndian.PutUint32(hdr[104:108], caps)
	binary.LittleEndian.PutUint32(hdr[108:112], caps2)
	// hdr[112:124]: dwCaps3, dwCaps4, dwReserved2, left zero.

	if !needsDX10 {
		return buf, linearSize, nil
	}

	dx10 := make([]byte, 20)
	binary.LittleEndian.PutUint32(dx10[0:4], uint32(d.Format))
	binary.LittleEndian.PutUint32(dx10[4:8], d3d10ResourceDimensionTexture2D)
	binary.LittleEndian.PutUint32(dx10[8:12], 0) // miscFlag
	binary.LittleEndian.PutUint32(dx10[12:16], 1) // arraySize
	binary.LittleEndian.PutUint32(dx10[16:20], 0) // miscFlags2

	return append(buf, dx10...), linearSize, nil
}
