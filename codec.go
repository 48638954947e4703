// Copyright (C) The Ancestra Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ancestra

import "math"

// Probabilities are stored as log-odds scaled to signed integers, 8 bits
// for raw forest votes and 16 bits for smoothed posteriors. The per-value
// memory cost is what makes whole-genome cohorts fit in RAM: every
// (haplotype, window, subpop) cell would otherwise be a float64. Precision
// is concentrated around p=0.5 where calls are actually uncertain.
//
// 8-bit: scale 12, clamp ±127, representable range ≈ [2.5e-5, 0.999975],
// max round-trip error ≈ 1%. 16-bit: scale 1024, clamp ±32767, max error
// ≈ 0.012%.
const (
	logit8Scale  = 12.0
	logit8Clamp  = 127
	logit16Scale = 1024.0
	logit16Clamp = 32767
)

func encodeP8(p float64) int8 {
	return int8(encodeLogit(p, logit8Scale, logit8Clamp))
}

func decodeP8(code int8) float64 {
	return 1.0 / (1.0 + math.Exp(float64(code)/-logit8Scale))
}

func encodeP16(p float64) int16 {
	return int16(encodeLogit(p, logit16Scale, logit16Clamp))
}

func decodeP16(code int16) float64 {
	return 1.0 / (1.0 + math.Exp(float64(code)/-logit16Scale))
}

func encodeLogit(p, scale float64, clamp int) int {
	// p outside (0,1) carries no more information than the nearest
	// representable extreme (exact 0/1 would be ±Inf in log-odds).
	if !(p > 0) {
		return -clamp
	}
	if !(p < 1) {
		return clamp
	}
	code := int(math.Round(scale * math.Log(p/(1.0-p))))
	if code < -clamp {
		code = -clamp
	}
	if code > clamp {
		code = clamp
	}
	return code
}
