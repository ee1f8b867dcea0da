// Package prm classifies co-registered expiratory and inspiratory CT volumes
// into a Parametric Response Map.
package prm

import (
	"fmt"
	"image/color"
)

// Class is one of the four PRM classes
type Class int

const (
	Norm Class = iota
	FSAD
	Emph
	EmptyingEmph
)

// NumClasses is the number of PRM classes
const NumClasses = 4

// Unclassified is the combined-map code of voxels outside the mask
const Unclassified = 0

type classInfo struct {
	name  string
	code  int
	color color.RGBA
}

// classTable follows the IMBIO convention for combined-map codes
var classTable = [NumClasses]classInfo{
	Norm:         {name: "norm", code: 1, color: color.RGBA{R: 0, G: 255, B: 0, A: 255}},
	FSAD:         {name: "fSAD", code: 2, color: color.RGBA{R: 255, G: 255, B: 0, A: 255}},
	Emph:         {name: "emph", code: 3, color: color.RGBA{R: 255, G: 0, B: 0, A: 255}},
	EmptyingEmph: {name: "emptemph", code: 4, color: color.RGBA{R: 255, G: 0, B: 255, A: 255}},
}

// Classes lists every class in combined-map order
func Classes() []Class {
	return []Class{Norm, FSAD, Emph, EmptyingEmph}
}

func (c Class) valid() bool {
	return c >= 0 && int(c) < NumClasses
}

// String returns the name used in file and field names
func (c Class) String() string {
	if !c.valid() {
		return fmt.Sprintf("class(%d)", int(c))
	}
	return classTable[c].name
}

// Code returns the value stored for c in the combined label volume
func (c Class) Code() int {
	if !c.valid() {
		return Unclassified
	}
	return classTable[c].code
}

// Color returns the display colour of c
func (c Class) Color() color.RGBA {
	if !c.valid() {
		return color.RGBA{}
	}
	return classTable[c].color
}

// ClassFromCode looks up the class stored under a combined-map code
func ClassFromCode(code int) (Class, bool) {
	for _, c := range Classes() {
		if c.Code() == code {
			return c, true
		}
	}
	return 0, false
}
