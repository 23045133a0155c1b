package tsdf

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// Direction selects one of the six axis-aligned channels of a directional
// volume. DirectionNone is used by non-directional volumes.
type Direction int32

const DirectionNone Direction = -1

const (
	DirectionXPos Direction = iota
	DirectionXNeg
	DirectionYPos
	DirectionYNeg
	DirectionZPos
	DirectionZNeg
)

// NumDirections is the number of directional channels.
const NumDirections = 6

// AllDirections lists the directional channels in index order.
var AllDirections = [NumDirections]Direction{
	DirectionXPos, DirectionXNeg,
	DirectionYPos, DirectionYNeg,
	DirectionZPos, DirectionZNeg,
}

var directionVectors = [NumDirections]mgl32.Vec3{
	{1, 0, 0}, {-1, 0, 0},
	{0, 1, 0}, {0, -1, 0},
	{0, 0, 1}, {0, 0, -1},
}

var directionNames = [NumDirections]string{"X+", "X-", "Y+", "Y-", "Z+", "Z-"}

// Vector returns the unit axis of d, or the zero vector for DirectionNone.
func (d Direction) Vector() mgl32.Vec3 {
	if d < 0 || d >= NumDirections {
		return mgl32.Vec3{}
	}
	return directionVectors[d]
}

func (d Direction) String() string {
	if d < 0 || d >= NumDirections {
		return "none"
	}
	return directionNames[d]
}

// Contribution holds one weight per direction channel.
type Contribution [NumDirections]float32

// WeightDepth is the depth-dependent fusion weight, normalised so that the
// nearest fused depth (ViewFrustumMin) has weight 1.
func WeightDepth(depth float32, p *SceneParams) float32 {
	if depth <= 0 {
		return 0
	}
	return (p.ViewFrustumMin * p.ViewFrustumMin) / (depth * depth)
}

// WeightNormal is the cosine between the surface normal and the reversed
// viewing ray, both in camera space.
func WeightNormal(normalCamera, viewRay mgl32.Vec3) float32 {
	return -normalCamera.Dot(viewRay)
}

// DirectionWeight maps the angle between a surface normal and a channel
// axis to a weight in [0, 1] for a band of the given half-width.
func DirectionWeight(angle, width float32) float32 {
	if width <= math32.Pi/4+1e-6 {
		return 1 - min(angle/width, 1)
	}
	width /= math32.Pi / 2
	angle /= math32.Pi / 2
	return 1 - min((max(angle, 1-width)-(1-width))/(2*width-1), 1)
}

// AngleBetween returns the angle between two unit vectors.
func AngleBetween(a, b mgl32.Vec3) float32 {
	return math32.Acos(clamp(a.Dot(b), -1, 1))
}

// DirectionWeights evaluates DirectionWeight of a world-space normal for
// every channel.
func DirectionWeights(normalWorld mgl32.Vec3, width float32) Contribution {
	var c Contribution
	for i, axis := range directionVectors {
		c[i] = DirectionWeight(AngleBetween(normalWorld, axis), width)
	}
	return c
}

// FusionWeight combines the depth, normal and direction terms.
func FusionWeight(depth float32, normalCamera, viewRay mgl32.Vec3, directionWeight float32, p *SceneParams) float32 {
	return WeightDepth(depth, p) * WeightNormal(normalCamera, viewRay) * directionWeight
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
