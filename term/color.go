package term

// cubeLevels are the channel values of the xterm 6x6x6 color cube.
var cubeLevels = [6]uint8{0, 95, 135, 175, 215, 255}

// Index256 maps an RGB color to the nearest entry of the xterm 256-color
// palette, considering both the 6x6x6 cube and the grayscale ramp.
func Index256(c RGB) int {
	ri, rv := nearestLevel(c.R)
	gi, gv := nearestLevel(c.G)
	bi, bv := nearestLevel(c.B)
	cubeIdx := 16 + 36*ri + 6*gi + bi
	cubeDist := dist(c, RGB{rv, gv, bv})

	// grayscale ramp: indexes 232..255, values 8..238 step 10
	gray := (int(c.R) + int(c.G) + int(c.B)) / 3
	gi2 := (gray - 8 + 5) / 10
	if gi2 < 0 {
		gi2 = 0
	}
	if gi2 > 23 {
		gi2 = 23
	}
	gv2 := uint8(8 + 10*gi2)
	grayDist := dist(c, RGB{gv2, gv2, gv2})

	if grayDist < cubeDist {
		return 232 + gi2
	}
	return cubeIdx
}

func nearestLevel(v uint8) (idx int, val uint8) {
	best, bestD := 0, 1<<30
	for i, lv := range cubeLevels {
		d := int(v) - int(lv)
		if d < 0 {
			d = -d
		}
		if d < bestD {
			best, bestD = i, d
		}
	}
	return best, cubeLevels[best]
}

func dist(a, b RGB) int {
	dr := int(a.R) - int(b.R)
	dg := int(a.G) - int(b.G)
	db := int(a.B) - int(b.B)
	return dr*dr + dg*dg + db*db
}
