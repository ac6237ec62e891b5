// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"fmt"
	"math/rand"
)

// LoopConfig wires the model, optimizer, and evaluation cadence into one
// training run.
type LoopConfig struct {
	Model Config
	Train TrainConfig

	NumBatches int // training steps to run
	BatchSize  int // sequences per step
	Context    int // tokens per training sequence

	TestEvery     int     // steps between evaluations; 0 disables
	TestSubset    int     // bytes of held-out data per periodic evaluation
	TestBatchSize int     // batch size for Compression
	SampleLength  int     // continuation length for the periodic sample
	SampleTemp    float32 // sampling temperature; 0 is greedy

	// Final switches to held-out test data and trains on train+valid;
	// otherwise valid is the held-out split. The closing evaluation always
	// covers the full held-out split, not just TestSubset.
	Final bool

	Verbose bool // print the periodic sample text
}

// DefaultLoopConfig mirrors the defaults of a small enwik8 run.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Model:         DefaultConfig(),
		Train:         DefaultTrainConfig(),
		NumBatches:    100000,
		BatchSize:     16,
		Context:       128,
		TestEvery:     1000,
		TestSubset:    1 << 16,
		TestBatchSize: 16,
		SampleLength:  256,
		SampleTemp:    1.0,
	}
}

// Validate reports the first unusable loop parameter.
func (c LoopConfig) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if err := c.Train.Validate(); err != nil {
		return err
	}
	if c.NumBatches < 1 {
		return fmt.Errorf("%w: NumBatches must be >= 1, got %d", ErrInvalidArgument, c.NumBatches)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: BatchSize must be >= 1, got %d", ErrInvalidArgument, c.BatchSize)
	}
	if c.Context < 1 || c.Context > c.Model.Context {
		return fmt.Errorf("%w: Context must be in [1, %d], got %d", ErrInvalidArgument, c.Model.Context, c.Context)
	}
	if c.TestEvery < 0 {
		return fmt.Errorf("%w: TestEvery must be >= 0, got %d", ErrInvalidArgument, c.TestEvery)
	}
	if c.TestEvery > 0 && (c.TestSubset < 2 || c.TestBatchSize < 1) {
		return fmt.Errorf("%w: evaluation needs TestSubset >= 2 and TestBatchSize >= 1", ErrInvalidArgument)
	}
	return nil
}

// TrainingLoop threads one model, one optimizer, and one metrics sink
// through a fixed number of steps, evaluating on held-out data at a fixed
// cadence. All randomness flows from the injected *rand.Rand, so two loops
// built with equal configs and equal seeds produce identical runs.
type TrainingLoop struct {
	cfg     LoopConfig
	model   *DistGen
	trainer *Trainer
	rng     *rand.Rand
	sink    Sink
	logf    func(format string, args ...any)

	trainData TokenSequence
	heldOut   TokenSequence

	ema           []float64
	instancesSeen int
	sinkFailed    bool
}

// NewTrainingLoop validates the config and assembles a run over the given
// corpus splits. With Final set, valid joins the training data and test is
// held out; otherwise the model trains on train and valid is held out.
func NewTrainingLoop(cfg LoopConfig, train, valid, test TokenSequence, rng *rand.Rand, sink Sink, logf func(format string, args ...any)) (*TrainingLoop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	trainData := train
	heldOut := valid
	if cfg.Final {
		joined := make(TokenSequence, 0, len(train)+len(valid))
		joined = append(joined, train...)
		trainData = append(joined, valid...)
		heldOut = test
	}
	if len(trainData) < cfg.Context+2 {
		return nil, fmt.Errorf("%w: training split has %d bytes, need > %d", ErrExhaustedData, len(trainData), cfg.Context+1)
	}
	if cfg.TestEvery > 0 && len(heldOut) < 2 {
		return nil, fmt.Errorf("%w: held-out split has %d bytes, need >= 2", ErrExhaustedData, len(heldOut))
	}
	if sink == nil {
		sink = NopSink{}
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}

	model := NewDistGen(cfg.Model, rng)
	trainer, err := NewTrainer(model, cfg.Train)
	if err != nil {
		return nil, err
	}
	return &TrainingLoop{
		cfg:       cfg,
		model:     model,
		trainer:   trainer,
		rng:       rng,
		sink:      sink,
		logf:      logf,
		trainData: trainData,
		heldOut:   heldOut,
		ema:       NewEMALosses(NumSupervised),
	}, nil
}

// Model returns the model being trained.
func (l *TrainingLoop) Model() *DistGen { return l.model }

// InstancesSeen returns the number of training sequences consumed so far.
// Metrics are keyed by this count so runs with different batch sizes line
// up on the same axis.
func (l *TrainingLoop) InstancesSeen() int { return l.instancesSeen }

// Run executes the configured number of steps. Evaluation happens strictly
// after the step's optimizer update, so the measured model always includes
// that update. Returns the last compression measurement in bits per byte.
func (l *TrainingLoop) Run() (float64, error) {
	lastBPB := float64(0)
	for step := 1; step <= l.cfg.NumBatches; step++ {
		inputs, targets, err := SampleBatch(l.rng, l.trainData, l.cfg.Context, l.cfg.BatchSize)
		if err != nil {
			return lastBPB, err
		}
		res := l.trainer.TrainStep(inputs, targets)
		l.instancesSeen += l.cfg.BatchSize

		// EMA monitoring consumes the step's own per-layer losses, so
		// monitoring costs nothing beyond the training forward itself.
		losses := append(append(make([]float32, 0, NumSupervised), res.StudentLosses...), res.TeacherLoss)
		l.ema = UpdateEMALosses(losses, l.ema)

		fields := map[string]float64{
			"loss_total":   float64(res.TotalLoss) * LOG2E,
			"loss_teacher": float64(res.TeacherLoss) * LOG2E,
			"lr":           float64(res.LR),
			"grad_norm":    float64(res.GradNorm),
			"loss_scale":   float64(res.LossScale),
			"skipped":      0,
		}
		if res.Outcome == StepSkippedOverflow {
			fields["skipped"] = 1
			l.logf("step %d: gradient overflow, step skipped (scale now %g)", step, l.trainer.Scaler().Scale())
		}
		for k := range losses {
			fields[fmt.Sprintf("loss_bits_%d", k)] = float64(losses[k]) * LOG2E
			fields[fmt.Sprintf("ema_bits_%d", k)] = l.ema[k] * LOG2E
		}

		if l.cfg.TestEvery > 0 && step%l.cfg.TestEvery == 0 {
			bpb, err := l.evaluate(l.evalSubset())
			if err != nil {
				return lastBPB, err
			}
			lastBPB = bpb
			fields["bpb"] = bpb
			l.logf("step %d: bpb=%.4f loss=%.4f lr=%.3g", step, bpb, fields["loss_total"], res.LR)
		}
		l.emit(fields)
	}

	if l.cfg.TestEvery > 0 {
		bpb, err := l.evaluate(l.heldOut)
		if err != nil {
			return lastBPB, err
		}
		lastBPB = bpb
		l.emit(map[string]float64{"bpb_final": bpb})
		l.logf("final: bpb=%.4f over %d held-out bytes", bpb, len(l.heldOut))
	}
	return lastBPB, nil
}

// evalSubset returns the slice of held-out data used by periodic
// evaluations, anchored at the start so successive measurements are
// comparable.
func (l *TrainingLoop) evalSubset() TokenSequence {
	if l.cfg.TestSubset > 0 && l.cfg.TestSubset < len(l.heldOut) {
		return l.heldOut[:l.cfg.TestSubset]
	}
	return l.heldOut
}

// evaluate samples a continuation from a random held-out anchor, then
// measures compression over data.
func (l *TrainingLoop) evaluate(data TokenSequence) (float64, error) {
	seedLen := l.cfg.Context
	if seedLen > len(l.heldOut)-1 {
		seedLen = len(l.heldOut) - 1
	}
	if l.cfg.SampleLength > 0 && seedLen >= 1 {
		anchor := l.rng.Intn(len(l.heldOut) - seedLen + 1)
		seed := l.heldOut[anchor : anchor+seedLen]
		sample := SampleSequence(l.model, seed, l.cfg.Model.Context, l.cfg.SampleLength, l.cfg.SampleTemp, l.rng)
		if l.cfg.Verbose {
			l.logf("sample: %s", formatSample(seed, sample[len(seed):]))
		}
	}
	return Compression(l.model, data, l.cfg.Context, l.cfg.TestBatchSize)
}

// emit sends one record to the sink, logging the first failure and then
// staying quiet. Sink trouble never stops training.
func (l *TrainingLoop) emit(fields map[string]float64) {
	if err := l.sink.Emit(l.instancesSeen, fields); err != nil && !l.sinkFailed {
		l.sinkFailed = true
		l.logf("metrics sink failed, continuing without it: %v", err)
	}
}

// formatSample renders "[seed tail]continuation" with non-printable bytes
// replaced. The seed display is clamped to its last 32 bytes; the
// continuation is shown whole.
func formatSample(seed, continuation TokenSequence) string {
	shown := seed
	if len(shown) > 32 {
		shown = shown[len(shown)-32:]
	}
	return "[" + printable(shown) + "]" + printable(continuation)
}

// printable clamps control bytes up to space (max(32, c)) so samples from a
// byte-level model keep the terminal intact; bytes above ASCII pass through.
func printable(b TokenSequence) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c < 0x20 {
			c = 0x20
		}
		out[i] = c
	}
	return string(out)
}
