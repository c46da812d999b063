package nanovllm

import (
	"math"
	"math/rand"
)

// SampleToken draws a token index from logits softened by temperature.
// logits is not modified.
func SampleToken(logits []float32, temperature float64, rng *rand.Rand) int {
	if len(logits) == 0 {
		return 0
	}
	if temperature <= 0 {
		temperature = 1.0
	}

	maxLogit := logits[0]
	for _, l := range logits[1:] {
		if l > maxLogit {
			maxLogit = l
		}
	}

	probs := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		probs[i] = math.Exp(float64(l-maxLogit) / temperature)
		sum += probs[i]
	}

	r := rng.Float64() * sum
	var cum float64
	for i, p := range probs {
		cum += p
		if r < cum {
			return i
		}
	}
	return len(probs) - 1
}
