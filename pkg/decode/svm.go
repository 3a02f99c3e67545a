package decode

import "math"

// standardizer holds per-feature mean and standard deviation estimated from
// training samples only. Reusing it verbatim on held-out or cross-session
// data is the point: estimating these statistics from test samples leaks
// information into the fit and inflates accuracy.
type standardizer struct {
	mean []float64
	std  []float64
}

func fitStandardizer(samples [][]float64) standardizer {
	n := len(samples)
	d := len(samples[0])
	mean := make([]float64, d)
	std := make([]float64, d)

	for _, x := range samples {
		for i, v := range x {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float64(n)
	}
	for _, x := range samples {
		for i, v := range x {
			diff := v - mean[i]
			std[i] += diff * diff
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / float64(n))
		if std[i] < 1e-10 {
			// Constant feature: leave it centered, do not divide by ~0.
			std[i] = 1
		}
	}
	return standardizer{mean: mean, std: std}
}

func (s standardizer) transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - s.mean[i]) / s.std[i]
	}
	return out
}

func (s standardizer) transformAll(samples [][]float64) [][]float64 {
	out := make([][]float64, len(samples))
	for i, x := range samples {
		out[i] = s.transform(x)
	}
	return out
}

// linearSVM is a maximum-margin binary classifier trained by deterministic
// full-batch subgradient descent on the L2-regularized hinge loss. Labels
// are internally ±1; features are expected standardized.
type linearSVM struct {
	w []float64
	b float64
}

// svmParams fixes the optimization schedule. Full-batch updates with a
// 1/(1+t·decay) step keep training deterministic: no sampling, no RNG.
type svmParams struct {
	epochs int
	eta    float64
	lambda float64
}

func defaultSVMParams() svmParams {
	return svmParams{epochs: 300, eta: 0.5, lambda: 0.01}
}

func trainSVM(x [][]float64, y []float64, p svmParams) linearSVM {
	n := len(x)
	d := len(x[0])
	m := linearSVM{w: make([]float64, d)}

	gradW := make([]float64, d)
	for t := 1; t <= p.epochs; t++ {
		for i := range gradW {
			gradW[i] = p.lambda * m.w[i]
		}
		gradB := 0.0
		for i, xi := range x {
			margin := y[i] * (dot(m.w, xi) + m.b)
			if margin < 1 {
				for j, v := range xi {
					gradW[j] -= y[i] * v / float64(n)
				}
				gradB -= y[i] / float64(n)
			}
		}
		eta := p.eta / (1 + 0.01*float64(t))
		for j := range m.w {
			m.w[j] -= eta * gradW[j]
		}
		m.b -= eta * gradB
	}
	return m
}

func (m linearSVM) predict(x []float64) float64 {
	if dot(m.w, x)+m.b >= 0 {
		return 1
	}
	return -1
}

func (m linearSVM) accuracy(x [][]float64, y []float64) float64 {
	correct := 0
	for i, xi := range x {
		if m.predict(xi) == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(x))
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i, v := range a {
		s += v * b[i]
	}
	return s
}
