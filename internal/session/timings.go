package session

import (
	"time"
)

// timings aggregates per-utterance latency observations over one session.
// They feed the closing summary log; the per-turn histograms go to the
// metrics pipeline as they happen.
type timings struct {
	utterances   int
	speculations int
	specHits     int

	firstPartial  time.Duration // offset of the very first partial
	sumToFinal    time.Duration
	sumSpecOffset time.Duration
	sumFirstTok   time.Duration
	sumFirstAud   time.Duration
	audioBytes    int
	responses     int

	sessionStart time.Time
}

func (t *timings) observeFirstPartial(now time.Time) {
	if t.sessionStart.IsZero() {
		t.sessionStart = now
	}
	if t.firstPartial == 0 {
		t.firstPartial = now.Sub(t.sessionStart)
	}
}

func (t *timings) observeFinal(now, uttStart time.Time) {
	if !uttStart.IsZero() {
		t.sumToFinal += now.Sub(uttStart)
	}
	t.utterances++
}

func (t *timings) observeSpeculation(now, uttStart time.Time) {
	t.speculations++
	if !uttStart.IsZero() {
		t.sumSpecOffset += now.Sub(uttStart)
	}
}

func (t *timings) observeResponse(res respResult, speculative bool) {
	if speculative {
		t.specHits++
	}
	t.responses++
	t.sumFirstTok += res.firstToken
	t.sumFirstAud += res.firstAudio
	t.audioBytes += res.audioBytes
}

// logAttrs renders the aggregates for the session-close log line.
func (t *timings) logAttrs() []any {
	attrs := []any{
		"utterances", t.utterances,
		"speculations", t.speculations,
		"speculative_turns", t.specHits,
		"audio_bytes", t.audioBytes,
	}
	if t.firstPartial > 0 {
		attrs = append(attrs, "first_partial", t.firstPartial)
	}
	if t.utterances > 0 {
		attrs = append(attrs, "avg_to_final", t.sumToFinal/time.Duration(t.utterances))
	}
	if t.speculations > 0 {
		attrs = append(attrs, "avg_spec_offset", t.sumSpecOffset/time.Duration(t.speculations))
	}
	if t.responses > 0 {
		attrs = append(attrs,
			"avg_first_token", t.sumFirstTok/time.Duration(t.responses),
			"avg_first_audio", t.sumFirstAud/time.Duration(t.responses),
		)
	}
	return attrs
}
