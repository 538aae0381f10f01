package tensor

import "math"

// IEEE 754 half-precision conversions. The device-side kernels operate on
// f16 storage; the host encodes and decodes through these.

// Float16ToFloat32 converts half precision (IEEE 754) to float32.
func Float16ToFloat32(h uint16) float32 {
	sign := (h >> 15) & 0x1
	exp := (h >> 10) & 0x1F
	mant := h & 0x3FF

	var result uint32

	switch exp {
	case 0:
		if mant == 0 {
			// Zero.
			result = uint32(sign) << 31
		} else {
			// Subnormal number - normalize it.
			exp = 1
			for (mant & 0x400) == 0 {
				mant <<= 1
				exp--
			}
			mant &= 0x3FF
			result = (uint32(sign) << 31) | (uint32(exp+127-15) << 23) | (uint32(mant) << 13)
		}
	case 0x1F:
		// Inf or NaN.
		result = (uint32(sign) << 31) | 0x7F800000 | (uint32(mant) << 13)
	default:
		// Normal number.
		result = (uint32(sign) << 31) | (uint32(exp+127-15) << 23) | (uint32(mant) << 13)
	}

	return math.Float32frombits(result)
}

// Float32ToFloat16 converts float32 to float16 with round-to-nearest-even,
// matching what GPU f16 packing instructions produce.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	bits &= 0x7FFFFFFF

	if bits >= 0x7F800000 {
		// Inf or NaN.
		if bits > 0x7F800000 {
			return sign | 0x7C00 | 0x0200
		}
		return sign | 0x7C00
	}

	if bits >= 0x477FF000 {
		// Rounds to infinity.
		return sign | 0x7C00
	}

	if bits >= 0x38800000 {
		// Normal half. Rounding is applied to the combined exponent and
		// mantissa field, so a mantissa carry bumps the exponent naturally.
		bits += 0xFFF + ((bits >> 13) & 1)
		return sign | uint16((bits-0x38000000)>>13)
	}

	if bits >= 0x33000000 {
		// Subnormal half: shift the implicit bit into the mantissa and
		// round to nearest even. Rounding up at the top subnormal lands on
		// the smallest normal encoding, which is correct.
		shift := 126 - (bits >> 23)
		mant := (bits & 0x7FFFFF) | 0x800000
		half := uint32(1) << (shift - 1)
		v := mant >> shift
		rem := mant & (1<<shift - 1)
		if rem > half || (rem == half && v&1 == 1) {
			v++
		}
		return sign | uint16(v)
	}

	// Underflows to zero.
	return sign
}
