package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	Evaluations     Counter
	InvalidScores   Counter
	ScoreFailures   Counter
	Suspensions     Counter
	Resumptions     Counter
	OperatorToggles Counter
	OrdersPlaced    Counter
	OrdersRejected  Counter
	OrdersFailed    Counter

	MarketScore     Gauge
	TradingActive   Gauge
	OperatorEnabled Gauge
}

// ObserveGate mirrors the current gate state into the gauges.
func (m *Metrics) ObserveGate(operatorEnabled, tradingActive bool, score int) {
	if m == nil {
		return
	}
	m.MarketScore.Set(float64(score))
	m.TradingActive.Set(boolValue(tradingActive))
	m.OperatorEnabled.Set(boolValue(operatorEnabled))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		Evaluations:     n,
		InvalidScores:   n,
		ScoreFailures:   n,
		Suspensions:     n,
		Resumptions:     n,
		OperatorToggles: n,
		OrdersPlaced:    n,
		OrdersRejected:  n,
		OrdersFailed:    n,
		MarketScore:     g,
		TradingActive:   g,
		OperatorEnabled: g,
	}
}
