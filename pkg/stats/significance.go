package stats

import "math"

// Comparison is the outcome of a two-proportion z-test between a control and
// a treatment variant.
type Comparison struct {
	ControlRate   float64 `json:"control_rate"`
	TreatmentRate float64 `json:"treatment_rate"`
	// Effect is the absolute difference treatment - control.
	Effect  float64 `json:"effect"`
	ZScore  float64 `json:"z_score"`
	PValue  float64 `json:"p_value"`
	CILower float64 `json:"ci_lower"`
	CIUpper float64 `json:"ci_upper"`
	// Confidence is 1 - PValue, clamped to [0,1].
	Confidence  float64 `json:"confidence"`
	Significant bool    `json:"significant"`
}

// TwoProportionZTest compares conversion rates between a control and a
// treatment sample at the given confidence level (e.g. 0.95).
//
// Either sample having zero observations yields a safe non-result:
// Significant=false, PValue=1, Confidence=0. The confidence interval is on
// the effect size (treatment rate minus control rate).
func TwoProportionZTest(controlConv, controlN, treatConv, treatN int, confidence float64) Comparison {
	if confidence <= 0 || confidence >= 1 {
		confidence = 0.95
	}

	if controlN == 0 || treatN == 0 {
		return Comparison{PValue: 1}
	}

	p1 := float64(controlConv) / float64(controlN)
	p2 := float64(treatConv) / float64(treatN)
	effect := p2 - p1

	pooled := float64(controlConv+treatConv) / float64(controlN+treatN)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(controlN) + 1/float64(treatN)))
	if se == 0 {
		// Identical constant rates on both sides: nothing to detect.
		return Comparison{
			ControlRate:   p1,
			TreatmentRate: p2,
			Effect:        effect,
			PValue:        1,
		}
	}

	z := math.Abs(effect) / se
	// Two-tailed p-value.
	pValue := 2 * (1 - NormalCDF(z))
	pValue = math.Min(math.Max(pValue, 0), 1)

	margin := ZScore(confidence) * se

	return Comparison{
		ControlRate:   p1,
		TreatmentRate: p2,
		Effect:        effect,
		ZScore:        z,
		PValue:        pValue,
		CILower:       effect - margin,
		CIUpper:       effect + margin,
		Confidence:    math.Min(math.Max(1-pValue, 0), 1),
		Significant:   pValue < 1-confidence,
	}
}

// NormalCDF approximates the cumulative distribution function of the
// standard normal distribution using the Abramowitz and Stegun formula
// 7.1.26 erf approximation.
func NormalCDF(x float64) float64 {
	const (
		a1 = 0.254829592
		a2 = -0.284496736
		a3 = 1.421413741
		a4 = -1.453152027
		a5 = 1.061405429
		p  = 0.3275911
	)

	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x) / math.Sqrt2

	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)

	return 0.5 * (1.0 + sign*y)
}

// ZScore returns the two-tailed z critical value for a confidence level.
// Common levels use precomputed values; anything else falls back to a
// rational approximation of the inverse normal CDF.
func ZScore(confidence float64) float64 {
	switch {
	case confidence >= 0.99:
		return 2.576
	case confidence >= 0.95:
		return 1.96
	case confidence >= 0.90:
		return 1.645
	case confidence >= 0.85:
		return 1.44
	case confidence >= 0.80:
		return 1.28
	default:
		return inverseNormalCDF((1 + confidence) / 2)
	}
}

// inverseNormalCDF is the Acklam rational approximation for the quantile
// function of the standard normal distribution.
func inverseNormalCDF(p float64) float64 {
	if p <= 0 || p >= 1 {
		return 0
	}

	a := [...]float64{-3.969683028665376e+01, 2.209460984245205e+02,
		-2.759285104469687e+02, 1.383577518672690e+02,
		-3.066479806614716e+01, 2.506628277459239e+00}
	b := [...]float64{-5.447609879822406e+01, 1.615858368580409e+02,
		-1.556989798598866e+02, 6.680131188771972e+01,
		-1.328068155288572e+01}
	c := [...]float64{-7.784894002430293e-03, -3.223964580411365e-01,
		-2.400758277161838e+00, -2.549732539343734e+00,
		4.374664141464968e+00, 2.938163982698783e+00}
	d := [...]float64{7.784695709041462e-03, 3.224671290700398e-01,
		2.445134137142996e+00, 3.754408661907416e+00}

	const pLow = 0.02425
	const pHigh = 1 - pLow

	switch {
	case p < pLow:
		q := math.Sqrt(-2 * math.Log(p))
		return (((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	case p <= pHigh:
		q := p - 0.5
		r := q * q
		return (((((a[0]*r+a[1])*r+a[2])*r+a[3])*r+a[4])*r + a[5]) * q /
			(((((b[0]*r+b[1])*r+b[2])*r+b[3])*r+b[4])*r + 1)
	default:
		q := math.Sqrt(-2 * math.Log(1-p))
		return -(((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	}
}
