// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import "fmt"

// AnnealMode selects the shape of the post-peak learning rate decay.
const (
	AnnealCos    = "cos"
	AnnealLinear = "linear"
)

// TrainConfig holds optimizer and training hyperparameters.
type TrainConfig struct {
	LRMin       float32 // learning rate at the start and end of the cycle
	LRMax       float32 // peak learning rate
	Peak        float32 // fraction of the run spent ramping LRMin -> LRMax
	Anneal      string  // post-peak decay shape: "cos" or "linear"
	Beta1       float32 // AdamW first moment decay
	Beta2       float32 // AdamW second moment decay
	Eps         float32 // AdamW epsilon (numerical stability)
	WeightDecay float32 // AdamW weight decay coefficient
	GradClip    float32 // max gradient L2 norm
	Gamma       float32 // student loss weight in the distillation objective
	TotalSteps  int     // total training steps (for the one-cycle schedule)
}

// DefaultTrainConfig returns standard training hyperparameters.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		LRMin:       1e-4,
		LRMax:       1e-3,
		Peak:        0.2,
		Anneal:      AnnealCos,
		Beta1:       0.9,
		Beta2:       0.95,
		Eps:         1e-8,
		WeightDecay: 0,
		GradClip:    1.0,
		Gamma:       1.0,
		TotalSteps:  100000,
	}
}

// Validate reports whether the hyperparameters are usable.
func (c TrainConfig) Validate() error {
	if c.LRMin <= 0 || c.LRMax < c.LRMin {
		return fmt.Errorf("%w: need 0 < LRMin <= LRMax, got min=%g max=%g", ErrInvalidArgument, c.LRMin, c.LRMax)
	}
	if c.Peak < 0 || c.Peak > 1 {
		return fmt.Errorf("%w: Peak must be in [0, 1], got %g", ErrInvalidArgument, c.Peak)
	}
	if c.Anneal != AnnealCos && c.Anneal != AnnealLinear {
		return fmt.Errorf("%w: unknown anneal mode %q", ErrInvalidArgument, c.Anneal)
	}
	if c.Gamma < 0 {
		return fmt.Errorf("%w: Gamma must be >= 0, got %g", ErrInvalidArgument, c.Gamma)
	}
	if c.TotalSteps < 1 {
		return fmt.Errorf("%w: TotalSteps must be >= 1, got %d", ErrInvalidArgument, c.TotalSteps)
	}
	return nil
}

// ScheduleLR computes the one-cycle learning rate for a step. Pure function
// of (step, config): the same inputs always give the same rate, so a resumed
// run picks up exactly where it left off. The Anneal mode shapes both phases:
//
//	ramp "linear":   lr = min + (max - min) * p,              p = step/peak_steps
//	ramp "cos":      lr = max - 0.5*(max - min)*(1 + cos(pi * p))
//	anneal "linear": lr = max - (max - min) * progress
//	anneal "cos":    lr = min + 0.5*(max - min)*(1 + cos(pi * progress))
//
// where progress runs 0 -> 1 over the anneal phase.
func ScheduleLR(step int, cfg TrainConfig) float32 {
	peakSteps := int(cfg.Peak * float32(cfg.TotalSteps))
	if step < peakSteps {
		p := float32(step) / float32(peakSteps)
		if cfg.Anneal == AnnealLinear {
			return cfg.LRMin + (cfg.LRMax-cfg.LRMin)*p
		}
		return cfg.LRMax - 0.5*(cfg.LRMax-cfg.LRMin)*(1.0+CosF32(3.1415927*p))
	}
	annealSteps := cfg.TotalSteps - peakSteps
	if annealSteps <= 0 {
		return cfg.LRMax
	}
	progress := float32(step-peakSteps) / float32(annealSteps)
	if progress > 1.0 {
		progress = 1.0
	}
	if cfg.Anneal == AnnealLinear {
		return cfg.LRMax - (cfg.LRMax-cfg.LRMin)*progress
	}
	return cfg.LRMin + 0.5*(cfg.LRMax-cfg.LRMin)*(1.0+CosF32(3.1415927*progress))
}

// StepOutcome tags what a training step did to the parameters.
type StepOutcome int

const (
	// StepApplied means gradients were finite and the optimizer ran.
	StepApplied StepOutcome = iota
	// StepSkippedOverflow means non-finite gradients were detected; the
	// parameters and optimizer moments are untouched and only the loss
	// scale shrank.
	StepSkippedOverflow
)

// String returns the outcome tag for logs.
func (o StepOutcome) String() string {
	if o == StepSkippedOverflow {
		return "skipped_overflow"
	}
	return "applied"
}

// StepResult reports one training step: the outcome tag plus the losses and
// schedule values observed at that step. Losses are in nats.
type StepResult struct {
	Outcome       StepOutcome
	TotalLoss     float32
	TeacherLoss   float32
	StudentLosses []float32
	LR            float32
	GradNorm      float32
	LossScale     float32
}

// AdamWState holds the first and second moment estimates for one parameter tensor.
type AdamWState struct {
	M *Tensor // first moment (mean of gradients)
	V *Tensor // second moment (mean of squared gradients)
}

// Trainer encapsulates the model, optimizer state, LR schedule, and loss
// scaler for mixed-precision distillation training. It drives any Model.
type Trainer struct {
	model   Model
	config  TrainConfig
	scaler  *LossScaler
	step    int
	applied int
	states  []AdamWState // one per parameter tensor
}

// NewTrainer creates a Trainer with AdamW optimizer state initialized to
// zero and a dynamic loss scaler.
func NewTrainer(m Model, cfg TrainConfig) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	params := m.Parameters()
	states := make([]AdamWState, len(params))
	for i, p := range params {
		states[i] = AdamWState{
			M: Zeros(p.Shape(), F32),
			V: Zeros(p.Shape(), F32),
		}
	}
	return &Trainer{model: m, config: cfg, scaler: DynamicLossScaler(), states: states}, nil
}

// Step returns the number of steps attempted so far, including skipped ones.
func (t *Trainer) Step() int { return t.step }

// Applied returns the number of optimizer updates actually performed. A
// skipped step increments Step but not Applied; Applied drives the AdamW
// bias correction, which must count real updates only.
func (t *Trainer) Applied() int { return t.applied }

// Scaler exposes the loss scaler, mainly for tests and metrics.
func (t *Trainer) Scaler() *LossScaler { return t.scaler }

// TrainStep performs one training step: forward, distillation loss, scaled
// backward, overflow check, then AdamW update.
//
// Gradient scaling emulates FP16 training: the logit gradients are
// multiplied by the loss scale before backward so small gradients survive,
// then unscaled per parameter before the update. If any unscaled gradient
// is NaN or Inf the step is skipped, the scale shrinks, and training
// continues from unchanged parameters.
//
// AdamW update rule per parameter:
//
//	m = beta1 * m + (1 - beta1) * g           -- first moment
//	v = beta2 * v + (1 - beta2) * g^2          -- second moment
//	m_hat = m / (1 - beta1^t)                  -- bias correction
//	v_hat = v / (1 - beta2^t)                  -- bias correction
//	w -= lr * (m_hat / (sqrt(v_hat) + eps) + weight_decay * w)
//
// The weight decay term is applied directly to w (decoupled, hence "AdamW"),
// not added to the gradient. With WeightDecay = 0 this is plain Adam.
func (t *Trainer) TrainStep(input, targets *Tensor) StepResult {
	t.step++
	// The schedule advances every iteration, skipped or not, so an
	// overflow retry never stalls the learning rate.
	lr := ScheduleLR(t.step-1, t.config)

	// Zero all parameter gradients before forward/backward
	params := t.model.Parameters()
	for _, p := range params {
		p.ZeroGrad()
	}

	// Forward pass: students shallow-to-deep, teacher last
	outputs := t.model.Forward(input)
	students := outputs[:len(outputs)-1]
	teacher := outputs[len(outputs)-1]
	total, teacherLoss, studentLosses := DistillLoss(teacher, targets, students, t.config.Gamma)

	result := StepResult{
		TotalLoss:     total,
		TeacherLoss:   teacherLoss,
		StudentLosses: studentLosses,
		LR:            lr,
		LossScale:     t.scaler.Scale(),
	}

	// Backward pass with scaled logit gradients
	gradOutputs := DistillGrads(outputs, targets, t.config.Gamma)
	scale := t.scaler.Scale()
	for _, g := range gradOutputs {
		g.ScaleInPlace(scale)
	}
	_ = t.model.Backward(gradOutputs)

	// Unscale and check for FP16-style overflow
	overflow := false
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		for j := range p.Grad {
			p.Grad[j] = t.scaler.UnscaleGrads(p.Grad[j])
		}
		if t.scaler.CheckOverflow(p.Grad) {
			overflow = true
		}
	}
	if overflow {
		result.Outcome = StepSkippedOverflow
		t.scaler.MarkOverflow()
		t.scaler.Update()
		return result
	}

	// Global gradient norm clipping across all parameters
	globalNormSq := float32(0)
	for _, p := range params {
		if p.Grad != nil {
			for _, g := range p.Grad {
				globalNormSq += g * g
			}
		}
	}
	globalNorm := SqrtF32(globalNormSq)
	result.GradNorm = globalNorm

	clipCoeff := float32(1.0)
	if t.config.GradClip > 0 && globalNorm > t.config.GradClip {
		clipCoeff = t.config.GradClip / (globalNorm + 1e-12)
	}

	t.applied++
	mCorr := 1.0 / (1 - PowF32(t.config.Beta1, float32(t.applied)))
	vCorr := 1.0 / (1 - PowF32(t.config.Beta2, float32(t.applied)))
	b1, b2, eps, wd := t.config.Beta1, t.config.Beta2, t.config.Eps, t.config.WeightDecay

	for i, param := range params {
		if param.Grad == nil {
			continue
		}
		paramData := param.DataPtr()
		mData := t.states[i].M.DataPtr()
		vData := t.states[i].V.DataPtr()
		gradSlice := param.Grad

		for j := range paramData {
			grad := gradSlice[j] * clipCoeff
			mData[j] = b1*mData[j] + (1-b1)*grad
			vData[j] = b2*vData[j] + (1-b2)*grad*grad
			paramData[j] -= lr * (mData[j]*mCorr/(SqrtF32(vData[j]*vCorr)+eps) + wd*paramData[j])
		}
	}

	t.scaler.Update()
	result.Outcome = StepApplied
	return result
}

// ---------------------------------------------------------------------------
// Mixed Precision / Loss Scaling
// ---------------------------------------------------------------------------

// LossScaleMode determines whether loss scaling is static or dynamic.
type LossScaleMode int

const (
	// LossScaleStatic uses a fixed loss scale value.
	LossScaleStatic LossScaleMode = iota
	// LossScaleDynamic adjusts loss scale based on overflow detection.
	LossScaleDynamic
)

// LossScaler manages loss scaling for mixed-precision training.
// Gradients are scaled up to prevent underflow, then unscaled before the
// optimizer step. Dynamic scaling adjusts the scale factor based on whether
// gradient overflow is detected.
type LossScaler struct {
	mode          LossScaleMode
	scale         float32
	scaleFactor   float32 // multiplicative factor for scale adjustments
	scaleWindow   int     // steps without overflow before scale increase
	growthTracker int
	overflow      bool
}

// NewLossScaler creates a loss scaler with the given mode and parameters.
func NewLossScaler(mode LossScaleMode, initScale, scaleFactor float32, scaleWindow int) *LossScaler {
	return &LossScaler{
		mode:        mode,
		scale:       initScale,
		scaleFactor: scaleFactor,
		scaleWindow: scaleWindow,
	}
}

// StaticLossScaler creates a static scaler with a fixed scale value.
func StaticLossScaler(scale float32) *LossScaler {
	return NewLossScaler(LossScaleStatic, scale, 2.0, 2000)
}

// DynamicLossScaler creates a dynamic scaler starting at 65536.
func DynamicLossScaler() *LossScaler {
	return NewLossScaler(LossScaleDynamic, 65536.0, 2.0, 2000)
}

// Scale returns the current loss scale value.
func (s *LossScaler) Scale() float32 { return s.scale }

// ScaleLoss multiplies the loss by the current scale (for scaled backward pass).
func (s *LossScaler) ScaleLoss(loss float32) float32 { return loss * s.scale }

// UnscaleGrads divides a gradient by the scale (restoring true gradient magnitude).
func (s *LossScaler) UnscaleGrads(grad float32) float32 { return grad / s.scale }

// CheckOverflow detects NaN/Inf in gradients. Uses the NaN != NaN property
// for NaN detection. Does not latch: use MarkOverflow once any tensor in
// the step reported true.
func (s *LossScaler) CheckOverflow(grads []float32) bool {
	for _, g := range grads {
		if g != g || g > 3.4e38 || g < -3.4e38 {
			return true
		}
	}
	return false
}

// MarkOverflow records that the current step overflowed, so the next Update
// shrinks the scale and ShouldSkipStep reports true.
func (s *LossScaler) MarkOverflow() { s.overflow = true }

// ShouldSkipStep returns true if the current step had gradient overflow
// and the optimizer update should be skipped.
func (s *LossScaler) ShouldSkipStep() bool { return s.overflow }

// Update adjusts the loss scale after each step.
// On overflow: scale /= factor, reset growth counter.
// On no overflow for scaleWindow consecutive steps: scale *= factor.
func (s *LossScaler) Update() {
	if s.mode == LossScaleStatic {
		return
	}
	if s.overflow {
		s.scale /= s.scaleFactor
		s.growthTracker = 0
		s.overflow = false
		return
	}
	s.growthTracker++
	if s.growthTracker >= s.scaleWindow {
		s.scale *= s.scaleFactor
		s.growthTracker = 0
	}
}
