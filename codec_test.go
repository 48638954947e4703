// Copyright (C) The Ancestra Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ancestra

import (
	"math"

	"gopkg.in/check.v1"
)

type codecSuite struct{}

var _ = check.Suite(&codecSuite{})

func (s *codecSuite) TestRoundTrip8(c *check.C) {
	for p := 0.00003; p <= 0.99997; p += 0.00001 {
		got := decodeP8(encodeP8(p))
		if math.Abs(got-p) > 0.02 {
			c.Fatalf("8-bit round trip of %v gave %v (err %v)", p, got, math.Abs(got-p))
		}
	}
}

func (s *codecSuite) TestRoundTrip16(c *check.C) {
	for p := 0.00003; p <= 0.99997; p += 0.00001 {
		got := decodeP16(encodeP16(p))
		if math.Abs(got-p) > 0.00024 {
			c.Fatalf("16-bit round trip of %v gave %v (err %v)", p, got, math.Abs(got-p))
		}
	}
}

func (s *codecSuite) TestClamping(c *check.C) {
	c.Check(encodeP8(0), check.Equals, int8(-127))
	c.Check(encodeP8(1), check.Equals, int8(127))
	c.Check(encodeP8(-0.5), check.Equals, int8(-127))
	c.Check(encodeP8(1.5), check.Equals, int8(127))
	c.Check(encodeP16(0), check.Equals, int16(-32767))
	c.Check(encodeP16(1), check.Equals, int16(32767))
	c.Check(encodeP8(math.NaN()), check.Equals, int8(-127))

	// decoded extremes stay strictly inside (0,1) so log-odds
	// arithmetic never sees an infinity
	c.Check(decodeP8(-127) > 0, check.Equals, true)
	c.Check(decodeP8(127) < 1, check.Equals, true)
	c.Check(decodeP16(-32767) > 0, check.Equals, true)
	c.Check(decodeP16(32767) < 1, check.Equals, true)
}

func (s *codecSuite) TestMonotonicSymmetric(c *check.C) {
	prev8 := int8(-128)
	prev16 := int16(-32768)
	for p := 0.0001; p < 1; p += 0.0001 {
		if e := encodeP8(p); e < prev8 {
			c.Fatalf("8-bit encoding not monotonic at p=%v", p)
		} else {
			prev8 = e
		}
		if e := encodeP16(p); e < prev16 {
			c.Fatalf("16-bit encoding not monotonic at p=%v", p)
		} else {
			prev16 = e
		}
	}
	c.Check(encodeP8(0.5), check.Equals, int8(0))
	c.Check(encodeP16(0.5), check.Equals, int16(0))
	for _, p := range []float64{0.01, 0.2, 0.35, 0.49} {
		c.Check(encodeP8(p), check.Equals, int8(-encodeP8(1-p)))
		c.Check(encodeP16(p), check.Equals, int16(-encodeP16(1-p)))
	}
}
