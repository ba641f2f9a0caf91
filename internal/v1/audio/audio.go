// Package audio bridges mixed peer audio into the AI orchestrator. Chunks
// pass through downmix, resample, and normalization transforms, then an
// energy-based voice activity detector that gates what reaches the provider.
package audio

import (
	"math"

	"github.com/voicedeck/voicedeck/internal/v1/metrics"
)

// Config tunes the transform chain and the detector. Zero fields take the
// defaults from DefaultConfig.
type Config struct {
	TargetSampleRate int // provider input rate, 24 kHz for both providers

	// Normalization. Zero TargetOutputLevel disables the normalize step.
	TargetOutputLevel  float64 // desired RMS in [0,1]
	MaxGain            float64
	NoiseGateThreshold float64 // fraction of full scale below which samples zero out

	// Voice activity detection.
	EnergyThreshold   float64 // normalized RMS floor for speech
	SpeechThreshold   float64 // minimum speechProbability
	PrefixPaddingMs   int     // pre-trigger audio replayed on speech start
	SilenceDurationMs int     // uninterrupted silence before speech ends
}

// DefaultConfig mirrors production defaults.
func DefaultConfig() Config {
	return Config{
		TargetSampleRate:   24000,
		TargetOutputLevel:  0.3,
		MaxGain:            3.0,
		NoiseGateThreshold: 0.005,
		EnergyThreshold:    0.02,
		SpeechThreshold:    0.5,
		PrefixPaddingMs:    300,
		SilenceDurationMs:  500,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TargetSampleRate == 0 {
		c.TargetSampleRate = def.TargetSampleRate
	}
	if c.MaxGain == 0 {
		c.MaxGain = def.MaxGain
	}
	if c.EnergyThreshold == 0 {
		c.EnergyThreshold = def.EnergyThreshold
	}
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = def.SpeechThreshold
	}
	if c.PrefixPaddingMs == 0 {
		c.PrefixPaddingMs = def.PrefixPaddingMs
	}
	if c.SilenceDurationMs == 0 {
		c.SilenceDurationMs = def.SilenceDurationMs
	}
	return c
}

// Chunk is one block of PCM16 audio entering the pipeline.
type Chunk struct {
	Samples    []int16
	SampleRate int
	Channels   int // 1 or 2
}

// DownmixStereo folds interleaved stereo to mono by arithmetic mean.
// Mono input is returned unchanged.
func DownmixStereo(samples []int16, channels int) []int16 {
	if channels != 2 {
		return samples
	}
	out := make([]int16, len(samples)/2)
	for i := range out {
		l := int32(samples[2*i])
		r := int32(samples[2*i+1])
		out[i] = int16((l + r) / 2)
	}
	return out
}

// Resample converts between sample rates by linear interpolation.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(samples)) / ratio)
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(samples[idx])
		b := float64(samples[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}

// Normalize scales the chunk toward targetLevel RMS with gain capped at
// maxGain, then zeros samples below the noise gate.
func Normalize(samples []int16, targetLevel, maxGain, noiseGate float64) []int16 {
	if len(samples) == 0 {
		return samples
	}
	out := make([]int16, len(samples))
	copy(out, samples)

	if targetLevel > 0 {
		rms := RMS(out)
		if rms > 0 {
			gain := targetLevel / rms
			if gain > maxGain {
				gain = maxGain
			}
			for i, s := range out {
				scaled := float64(s) * gain
				if scaled > math.MaxInt16 {
					scaled = math.MaxInt16
				} else if scaled < math.MinInt16 {
					scaled = math.MinInt16
				}
				out[i] = int16(scaled)
			}
		}
	}

	if noiseGate > 0 {
		floor := int16(noiseGate * 32767)
		for i, s := range out {
			if s > -floor && s < floor {
				out[i] = 0
			}
		}
	}
	return out
}

// RMS computes the root-mean-square of PCM16 samples normalized to [0,1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32767
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// SpeechProbability maps normalized RMS to [0,1] relative to the energy
// threshold.
func SpeechProbability(rms, energyThreshold float64) float64 {
	if energyThreshold <= 0 {
		return 0
	}
	p := rms / (2 * energyThreshold)
	if p > 1 {
		return 1
	}
	return p
}

func chunkDurationMs(sampleCount, rate int) int {
	if rate == 0 {
		return 0
	}
	return sampleCount * 1000 / rate
}

// Pipeline is the per-room ingress: occupancy gate, transform chain, and VAD.
// Not safe for concurrent use; the orchestrator feeds it from one goroutine.
type Pipeline struct {
	cfg Config

	// Callbacks, all optional, invoked synchronously from Process.
	OnSpeechStart  func()
	OnSpeechEnd    func()
	OnAudio        func(samples []int16) // speech audio for the provider
	OnRoomOccupied func()

	occupied   bool
	inSpeech   bool
	silenceMs  int
	prefix     [][]int16 // pre-trigger chunks, bounded by PrefixPaddingMs
	prefixMs   int
	prefixRate int
}

// NewPipeline creates a Pipeline. Rooms start unoccupied, so audio is dropped
// until SetOccupancy reports a peer.
func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{cfg: cfg.withDefaults()}
}

// SetOccupancy tells the pipeline how many non-AI peers the room has. The
// empty→occupied transition re-enables processing and fires OnRoomOccupied.
func (p *Pipeline) SetOccupancy(peerCount int) {
	wasOccupied := p.occupied
	p.occupied = peerCount > 0
	if p.occupied && !wasOccupied && p.OnRoomOccupied != nil {
		p.OnRoomOccupied()
	}
	if !p.occupied {
		p.resetVAD()
	}
}

// Process runs one chunk through the pipeline. Returns true when the chunk
// was forwarded as speech.
func (p *Pipeline) Process(chunk Chunk) bool {
	if !p.occupied {
		metrics.VADChunks.WithLabelValues("dropped_empty_room").Inc()
		return false
	}

	samples := DownmixStereo(chunk.Samples, chunk.Channels)
	samples = Resample(samples, chunk.SampleRate, p.cfg.TargetSampleRate)
	samples = Normalize(samples, p.cfg.TargetOutputLevel, p.cfg.MaxGain, p.cfg.NoiseGateThreshold)

	rms := RMS(samples)
	prob := SpeechProbability(rms, p.cfg.EnergyThreshold)
	isSpeech := rms > p.cfg.EnergyThreshold && prob > p.cfg.SpeechThreshold
	durMs := chunkDurationMs(len(samples), p.cfg.TargetSampleRate)

	if isSpeech {
		metrics.VADChunks.WithLabelValues("speech").Inc()
		p.silenceMs = 0
		if !p.inSpeech {
			p.inSpeech = true
			if p.OnSpeechStart != nil {
				p.OnSpeechStart()
			}
			p.flushPrefix()
		}
		p.forward(samples)
		return true
	}

	metrics.VADChunks.WithLabelValues("silence").Inc()
	if p.inSpeech {
		// Trailing silence is still forwarded until the hangover elapses, so
		// the provider hears natural pauses mid-utterance.
		p.forward(samples)
		p.silenceMs += durMs
		if p.silenceMs >= p.cfg.SilenceDurationMs {
			p.inSpeech = false
			p.silenceMs = 0
			if p.OnSpeechEnd != nil {
				p.OnSpeechEnd()
			}
		}
		return false
	}

	p.bufferPrefix(samples, durMs)
	return false
}

// InSpeech reports whether the detector currently tracks active speech.
func (p *Pipeline) InSpeech() bool { return p.inSpeech }

func (p *Pipeline) forward(samples []int16) {
	if p.OnAudio != nil {
		p.OnAudio(samples)
	}
}

func (p *Pipeline) bufferPrefix(samples []int16, durMs int) {
	p.prefix = append(p.prefix, samples)
	p.prefixMs += durMs
	for len(p.prefix) > 0 && p.prefixMs > p.cfg.PrefixPaddingMs {
		dropped := p.prefix[0]
		p.prefix = p.prefix[1:]
		p.prefixMs -= chunkDurationMs(len(dropped), p.cfg.TargetSampleRate)
	}
}

func (p *Pipeline) flushPrefix() {
	for _, chunk := range p.prefix {
		p.forward(chunk)
	}
	p.prefix = nil
	p.prefixMs = 0
}

func (p *Pipeline) resetVAD() {
	p.inSpeech = false
	p.silenceMs = 0
	p.prefix = nil
	p.prefixMs = 0
}
