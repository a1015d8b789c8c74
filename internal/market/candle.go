package market

// Candle is a single OHLCV aggregate for one symbol and time bucket. The
// interval is half-open and ends at CloseTS. Candles are identified by
// (source, exchange, chain, symbol, close_ts) within a timeframe; writing
// the same identity again replaces every non-key field.
type Candle struct {
	Source      string
	Exchange    string
	Chain       string
	Symbol      string
	Base        string
	Quote       string
	OpenTS      int64
	CloseTS     int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	VolumeBase  float64
	VolumeQuote float64
	NotionalUSD float64
	Trades      int64
}
