package indicator

import (
	"fmt"

	"intent-trader/internal/model"
)

const (
	defaultMACDFast   = 12
	defaultMACDSlow   = 26
	defaultMACDSignal = 9
)

// computeMACDPart computes the MACD line (fast EMA − slow EMA), its
// signal line (EMA of the MACD line), or the histogram (line − signal).
func computeMACDPart(name string, p Params, s *model.Series) (path, error) {
	fast, slow, signal := p.Fast, p.Slow, p.Signal
	if fast == 0 {
		fast = defaultMACDFast
	}
	if slow == 0 {
		slow = defaultMACDSlow
	}
	if signal == 0 {
		signal = defaultMACDSignal
	}
	if fast <= 0 || slow <= 0 || signal <= 0 || fast >= slow {
		return path{}, fmt.Errorf("%w: macd needs 0 < fast < slow and signal > 0 (fast=%d slow=%d signal=%d)",
			ErrBadParams, fast, slow, signal)
	}

	px, err := prices(s, p.Field)
	if err != nil {
		return path{}, err
	}

	fastEMA := emaOver(px, nil, fast)
	slowEMA := emaOver(px, nil, slow)

	line := newPath(len(px))
	for i := range px {
		if fastEMA.defined[i] && slowEMA.defined[i] {
			line.values[i] = fastEMA.values[i].Sub(slowEMA.values[i])
			line.defined[i] = true
		}
	}
	if name == MACD {
		return line, nil
	}

	sig := emaOver(line.values, line.defined, signal)
	if name == MACDSignal {
		return sig, nil
	}

	hist := newPath(len(px))
	for i := range px {
		if line.defined[i] && sig.defined[i] {
			hist.values[i] = line.values[i].Sub(sig.values[i])
			hist.defined[i] = true
		}
	}
	return hist, nil
}
