package tracking

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	dimX = 7 // u, v, s, r, u', v', s'
	dimZ = 4 // u, v, s, r
)

var (
	transition  = newTransition()
	measurement = newMeasurement()
)

func newTransition() *mat.Dense {
	f := identity(dimX)
	f.Set(0, 4, 1)
	f.Set(1, 5, 1)
	f.Set(2, 6, 1)
	return f
}

func newMeasurement() *mat.Dense {
	h := mat.NewDense(dimZ, dimX, nil)
	for i := 0; i < dimZ; i++ {
		h.Set(i, i, 1)
	}
	return h
}

func identity(n int) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return d
}

// kalmanFilter is a constant-velocity filter over a box centre, area and aspect ratio.
type kalmanFilter struct {
	X *mat.VecDense // state
	P *mat.Dense    // covariance
	Q *mat.Dense    // process noise
	R *mat.Dense    // measurement noise
}

func newKalmanFilter(z [dimZ]float64) *kalmanFilter {
	kf := &kalmanFilter{
		X: mat.NewVecDense(dimX, nil),
		P: identity(dimX),
		Q: identity(dimX),
		R: identity(dimZ),
	}
	for i := 2; i < dimZ; i++ {
		kf.R.Set(i, i, 10)
	}
	// unobserved velocities start highly uncertain
	for i := 4; i < dimX; i++ {
		kf.P.Set(i, i, 1000)
	}
	kf.P.Scale(10, kf.P)
	for i := 4; i < dimX; i++ {
		kf.Q.Set(i, i, 0.01)
	}
	kf.Q.Set(dimX-1, dimX-1, 0.0001)

	for i, v := range z {
		kf.X.SetVec(i, v)
	}
	return kf
}

func (kf *kalmanFilter) predict() {
	var x mat.VecDense
	x.MulVec(transition, kf.X)
	kf.X = &x

	var fp, p mat.Dense
	fp.Mul(transition, kf.P)
	p.Mul(&fp, transition.T())
	p.Add(&p, kf.Q)
	kf.P = &p
}

func (kf *kalmanFilter) update(z [dimZ]float64) error {
	var hx mat.VecDense
	hx.MulVec(measurement, kf.X)
	y := mat.NewVecDense(dimZ, z[:])
	y.SubVec(y, &hx)

	var pht, s mat.Dense
	pht.Mul(kf.P, measurement.T())
	s.Mul(measurement, &pht)
	s.Add(&s, kf.R)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return err
	}
	var k mat.Dense
	k.Mul(&pht, &sInv)

	var ky mat.VecDense
	ky.MulVec(&k, y)
	kf.X.AddVec(kf.X, &ky)

	// Joseph form keeps P symmetric positive definite.
	var kh, ikh mat.Dense
	kh.Mul(&k, measurement)
	ikh.Sub(identity(dimX), &kh)

	var a, p, kr, krk mat.Dense
	a.Mul(&ikh, kf.P)
	p.Mul(&a, ikh.T())
	kr.Mul(&k, kf.R)
	krk.Mul(&kr, k.T())
	p.Add(&p, &krk)
	kf.P = &p
	return nil
}

// boxToZ converts x1,y1,x2,y2 to centre, area and aspect ratio.
func boxToZ(b [4]float64) [dimZ]float64 {
	w := b[2] - b[0]
	h := b[3] - b[1]
	return [dimZ]float64{b[0] + w/2, b[1] + h/2, w * h, w / h}
}

// stateToBox is the inverse of boxToZ. A negative area yields NaN.
func stateToBox(x *mat.VecDense) [4]float64 {
	s, r := x.AtVec(2), x.AtVec(3)
	w := math.Sqrt(s * r)
	h := s / w
	u, v := x.AtVec(0), x.AtVec(1)
	return [4]float64{u - w/2, v - h/2, u + w/2, v + h/2}
}
