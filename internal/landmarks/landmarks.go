package landmarks

import (
	"context"
	"image"
	"math"
)

// Count is the number of points in the 68-point facial landmark scheme.
const Count = 68

// Mouth landmark indices. The outer lip ring is 48-59, the inner ring 60-67.
const (
	MouthStart = 48
	MouthEnd   = 67
)

// Point is a landmark coordinate in image pixels.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Distance returns the Euclidean distance between two points.
func Distance(a, b Point) float64 {
	return math.Hypot(float64(a.X-b.X), float64(a.Y-b.Y))
}

// LandmarkSet holds the 68 points of one face, indexed by the dlib convention.
type LandmarkSet [Count]Point

// Mouth returns the mouth points 48..67 in order.
func (s *LandmarkSet) Mouth() []Point {
	return s[MouthStart : MouthEnd+1]
}

// FaceBox is the bounding region of a detected face.
type FaceBox struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Height is bottom minus top.
func (b FaceBox) Height() int {
	return b.Bottom - b.Top
}

// Rect converts the box to an image.Rectangle.
func (b FaceBox) Rect() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// Face pairs one bounding box with its landmark set.
type Face struct {
	Box       FaceBox
	Landmarks LandmarkSet
}

// Oracle detects faces and locates their landmarks.
type Oracle interface {
	Detect(ctx context.Context, img image.Image) ([]Face, error)
	Ready(ctx context.Context) error
}
