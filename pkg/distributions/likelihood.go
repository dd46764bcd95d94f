package distributions

import (
	"fmt"

	"github.com/countvi/pkg/autodiff"
)

// likelihoodEps guards logarithms of rates and dispersions near zero.
const likelihoodEps = 1e-8

// GeneLikelihood selects the count-likelihood family used by the decoder.
type GeneLikelihood string

const (
	LikelihoodNB      GeneLikelihood = "nb"
	LikelihoodZINB    GeneLikelihood = "zinb"
	LikelihoodPoisson GeneLikelihood = "poisson"
)

// LogNB evaluates the negative-binomial log-likelihood of counts x under
// mean mu and inverse-dispersion theta, elementwise with broadcasting.
//
//	log NB(x; mu, theta) = theta*log(theta/(theta+mu)) + x*log(mu/(theta+mu))
//	                     + lgamma(x+theta) - lgamma(theta) - lgamma(x+1)
func LogNB(x, mu, theta *autodiff.Tensor) (*autodiff.Tensor, error) {
	logThetaEps, err := logShifted(theta, likelihoodEps)
	if err != nil {
		return nil, err
	}
	thetaMu, err := autodiff.Add(theta, mu)
	if err != nil {
		return nil, err
	}
	logThetaMuEps, err := logShifted(thetaMu, likelihoodEps)
	if err != nil {
		return nil, err
	}
	logMuEps, err := logShifted(mu, likelihoodEps)
	if err != nil {
		return nil, err
	}

	// theta * (log(theta+eps) - log(theta+mu+eps))
	d1, err := autodiff.Subtract(logThetaEps, logThetaMuEps)
	if err != nil {
		return nil, err
	}
	t1, err := autodiff.Multiply(theta, d1)
	if err != nil {
		return nil, err
	}
	// x * (log(mu+eps) - log(theta+mu+eps))
	d2, err := autodiff.Subtract(logMuEps, logThetaMuEps)
	if err != nil {
		return nil, err
	}
	t2, err := autodiff.Multiply(x, d2)
	if err != nil {
		return nil, err
	}

	xTheta, err := autodiff.Add(x, theta)
	if err != nil {
		return nil, err
	}
	lgXTheta, err := autodiff.Lgamma(xTheta)
	if err != nil {
		return nil, err
	}
	lgTheta, err := autodiff.Lgamma(theta)
	if err != nil {
		return nil, err
	}
	xPlus1, err := autodiff.AddScalar(x, 1.0)
	if err != nil {
		return nil, err
	}
	lgX1, err := autodiff.Lgamma(xPlus1)
	if err != nil {
		return nil, err
	}

	res, err := autodiff.Add(t1, t2)
	if err != nil {
		return nil, err
	}
	res, err = autodiff.Add(res, lgXTheta)
	if err != nil {
		return nil, err
	}
	res, err = autodiff.Subtract(res, lgTheta)
	if err != nil {
		return nil, err
	}
	return autodiff.Subtract(res, lgX1)
}

// LogZINB evaluates the zero-inflated negative-binomial log-likelihood of
// counts x under mean mu, inverse-dispersion theta, and zero-inflation
// logits pi.
func LogZINB(x, mu, theta, pi *autodiff.Tensor) (*autodiff.Tensor, error) {
	negPi, err := autodiff.Neg(pi)
	if err != nil {
		return nil, err
	}
	softplusNegPi, err := autodiff.Softplus(negPi)
	if err != nil {
		return nil, err
	}

	logThetaEps, err := logShifted(theta, likelihoodEps)
	if err != nil {
		return nil, err
	}
	thetaMu, err := autodiff.Add(theta, mu)
	if err != nil {
		return nil, err
	}
	logThetaMuEps, err := logShifted(thetaMu, likelihoodEps)
	if err != nil {
		return nil, err
	}

	// pi_theta_log = -pi + theta*(log(theta+eps) - log(theta+mu+eps))
	d1, err := autodiff.Subtract(logThetaEps, logThetaMuEps)
	if err != nil {
		return nil, err
	}
	t1, err := autodiff.Multiply(theta, d1)
	if err != nil {
		return nil, err
	}
	piThetaLog, err := autodiff.Add(negPi, t1)
	if err != nil {
		return nil, err
	}

	// Zero counts: log(pi + (1-pi) * NB(0)) in logit space
	spPiTheta, err := autodiff.Softplus(piThetaLog)
	if err != nil {
		return nil, err
	}
	caseZero, err := autodiff.Subtract(spPiTheta, softplusNegPi)
	if err != nil {
		return nil, err
	}

	// Positive counts: log(1-pi) + log NB(x)
	logMuEps, err := logShifted(mu, likelihoodEps)
	if err != nil {
		return nil, err
	}
	d2, err := autodiff.Subtract(logMuEps, logThetaMuEps)
	if err != nil {
		return nil, err
	}
	t2, err := autodiff.Multiply(x, d2)
	if err != nil {
		return nil, err
	}
	xTheta, err := autodiff.Add(x, theta)
	if err != nil {
		return nil, err
	}
	lgXTheta, err := autodiff.Lgamma(xTheta)
	if err != nil {
		return nil, err
	}
	lgTheta, err := autodiff.Lgamma(theta)
	if err != nil {
		return nil, err
	}
	xPlus1, err := autodiff.AddScalar(x, 1.0)
	if err != nil {
		return nil, err
	}
	lgX1, err := autodiff.Lgamma(xPlus1)
	if err != nil {
		return nil, err
	}

	caseNonZero, err := autodiff.Subtract(piThetaLog, softplusNegPi)
	if err != nil {
		return nil, err
	}
	caseNonZero, err = autodiff.Add(caseNonZero, t2)
	if err != nil {
		return nil, err
	}
	caseNonZero, err = autodiff.Add(caseNonZero, lgXTheta)
	if err != nil {
		return nil, err
	}
	caseNonZero, err = autodiff.Subtract(caseNonZero, lgTheta)
	if err != nil {
		return nil, err
	}
	caseNonZero, err = autodiff.Subtract(caseNonZero, lgX1)
	if err != nil {
		return nil, err
	}

	isZero, err := autodiff.LessScalar(x, likelihoodEps)
	if err != nil {
		return nil, err
	}
	return autodiff.Where(isZero, caseZero, caseNonZero)
}

// LogPoisson evaluates the Poisson log-likelihood of counts x under rate
// lambda.
func LogPoisson(x, lambda *autodiff.Tensor) (*autodiff.Tensor, error) {
	logLambda, err := logShifted(lambda, likelihoodEps)
	if err != nil {
		return nil, err
	}
	t1, err := autodiff.Multiply(x, logLambda)
	if err != nil {
		return nil, err
	}
	res, err := autodiff.Subtract(t1, lambda)
	if err != nil {
		return nil, err
	}
	xPlus1, err := autodiff.AddScalar(x, 1.0)
	if err != nil {
		return nil, err
	}
	lgX1, err := autodiff.Lgamma(xPlus1)
	if err != nil {
		return nil, err
	}
	return autodiff.Subtract(res, lgX1)
}

// LogLikelihood dispatches to the configured count-likelihood family.
// pi (dropout logits) is only consulted for ZINB.
func LogLikelihood(family GeneLikelihood, x, rate, theta, pi *autodiff.Tensor) (*autodiff.Tensor, error) {
	switch family {
	case LikelihoodNB:
		return LogNB(x, rate, theta)
	case LikelihoodZINB:
		return LogZINB(x, rate, theta, pi)
	case LikelihoodPoisson:
		return LogPoisson(x, rate)
	default:
		return nil, fmt.Errorf("unknown gene likelihood %q", family)
	}
}

func logShifted(t *autodiff.Tensor, eps float64) (*autodiff.Tensor, error) {
	shifted, err := autodiff.AddScalar(t, eps)
	if err != nil {
		return nil, err
	}
	return autodiff.Log(shifted)
}
