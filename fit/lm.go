// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: lm.go — Levenberg–Marquardt least squares
//
// Purpose:
//   - Fits a scalar model y = f(x; p) to samples by damped Gauss–Newton.
//
// Notes:
//   - Jacobian by forward differences, step 1e-6 × max(|p_j|, 1). Callers
//     should scale parameters to O(1)..O(1e4) (the delay estimator fits
//     in bin units).
//   - Marquardt scaling: (JᵀJ + λ·diag(JᵀJ)) δ = Jᵀr, solved with gonum.
// ─────────────────────────────────────────────────────────────────────────────

package fit

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"tagring/tagerr"
)

// Model evaluates the fitted function at x for parameters p.
type Model func(x float64, p []float64) float64

// Settings tune the solver. Zero fields take defaults.
type Settings struct {
	MaxIterations int     // default 200
	Tolerance     float64 // relative cost / step tolerance, default 1e-10
	Lambda        float64 // initial damping, default 1e-3
}

func (s *Settings) setDefaults() {
	if s.MaxIterations <= 0 {
		s.MaxIterations = 200
	}
	if s.Tolerance <= 0 {
		s.Tolerance = 1e-10
	}
	if s.Lambda <= 0 {
		s.Lambda = 1e-3
	}
}

// Result is a converged fit.
type Result struct {
	Params     []float64
	Cost       float64 // sum of squared residuals
	Iterations int
}

const maxLambda = 1e16

// LevenbergMarquardt minimises Σ (ys[i] - model(xs[i], p))² from p0.
// Non-finite parameters or running out of iterations is a Fit error.
func LevenbergMarquardt(model Model, xs, ys, p0 []float64, s Settings) (Result, error) {
	const op = "fit.LevenbergMarquardt"
	s.setDefaults()
	n, m := len(xs), len(p0)
	if n != len(ys) {
		return Result{}, tagerr.New(tagerr.LengthMismatch, op, "", "xs and ys differ in length")
	}
	if m == 0 || n < m {
		return Result{}, tagerr.New(tagerr.Value, op, "", "need at least as many samples as parameters")
	}

	p := append([]float64(nil), p0...)
	trial := make([]float64, m)
	r := make([]float64, n)
	rTrial := make([]float64, n)
	cost := residuals(model, xs, ys, p, r)
	if !finite(cost) {
		return Result{}, tagerr.New(tagerr.Fit, op, "", "model is not finite at the initial guess")
	}

	J := mat.NewDense(n, m, nil)
	var A mat.Dense
	g := mat.NewVecDense(m, nil)
	var delta mat.VecDense
	lambda := s.Lambda

	for iter := 1; iter <= s.MaxIterations; iter++ {
		jacobian(model, xs, p, J)
		A.Mul(J.T(), J)
		g.MulVec(J.T(), mat.NewVecDense(n, r))

		for {
			damped := mat.DenseCopyOf(&A)
			for j := 0; j < m; j++ {
				d := A.At(j, j)
				if d == 0 {
					d = 1
				}
				damped.Set(j, j, d+lambda*d)
			}
			if err := delta.SolveVec(damped, g); err != nil {
				lambda *= 10
				if lambda > maxLambda {
					return Result{Params: p, Cost: cost, Iterations: iter}, nil
				}
				continue
			}
			for j := 0; j < m; j++ {
				trial[j] = p[j] + delta.AtVec(j)
			}
			if !allFinite(trial) {
				return Result{}, tagerr.New(tagerr.Fit, op, "", "parameters diverged")
			}
			next := residuals(model, xs, ys, trial, rTrial)
			if finite(next) && next < cost {
				step := floats.Norm(delta.RawVector().Data, 2)
				scale := floats.Norm(p, 2)
				improved := (cost - next) / math.Max(cost, math.SmallestNonzeroFloat64)
				copy(p, trial)
				copy(r, rTrial)
				cost = next
				lambda = math.Max(lambda/10, 1e-12)
				if improved < s.Tolerance || step < s.Tolerance*(scale+s.Tolerance) {
					return Result{Params: p, Cost: cost, Iterations: iter}, nil
				}
				break
			}
			lambda *= 10
			if lambda > maxLambda {
				// No direction lowers the cost: p is a local minimum.
				return Result{Params: p, Cost: cost, Iterations: iter}, nil
			}
		}
	}
	return Result{}, tagerr.New(tagerr.Fit, op, "", "did not converge")
}

func residuals(model Model, xs, ys, p, r []float64) float64 {
	var sum float64
	for i, x := range xs {
		r[i] = ys[i] - model(x, p)
		sum += r[i] * r[i]
	}
	return sum
}

func jacobian(model Model, xs, p []float64, J *mat.Dense) {
	q := append([]float64(nil), p...)
	for j := range p {
		h := 1e-6 * math.Max(math.Abs(p[j]), 1)
		q[j] = p[j] + h
		for i, x := range xs {
			J.Set(i, j, (model(x, q)-model(x, p))/h)
		}
		q[j] = p[j]
	}
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func allFinite(p []float64) bool {
	for _, v := range p {
		if !finite(v) {
			return false
		}
	}
	return true
}
