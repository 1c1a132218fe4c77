package builtins

import "github.com/shopspring/decimal"

// window is a fixed-size ring buffer of prices with a running sum.
type window struct {
	vals  []decimal.Decimal
	head  int // next write position, oldest value when full
	count int
	sum   decimal.Decimal
}

func newWindow(size int) *window {
	return &window{vals: make([]decimal.Decimal, size)}
}

func (w *window) reset() {
	for i := range w.vals {
		w.vals[i] = decimal.Zero
	}
	w.head, w.count, w.sum = 0, 0, decimal.Zero
}

func (w *window) push(v decimal.Decimal) {
	if w.count == len(w.vals) {
		w.sum = w.sum.Sub(w.vals[w.head])
	} else {
		w.count++
	}
	w.vals[w.head] = v
	w.sum = w.sum.Add(v)
	w.head = (w.head + 1) % len(w.vals)
}

func (w *window) full() bool { return w.count == len(w.vals) }

// at returns the i-th value, oldest first.
func (w *window) at(i int) decimal.Decimal {
	start := 0
	if w.full() {
		start = w.head
	}
	return w.vals[(start+i)%len(w.vals)]
}

// mean of the whole window.
func (w *window) mean() decimal.Decimal {
	return w.sum.Div(decimal.NewFromInt(int64(w.count)))
}

// meanLast averages the newest n values.
func (w *window) meanLast(n int) decimal.Decimal {
	sum := decimal.Zero
	for i := w.count - n; i < w.count; i++ {
		sum = sum.Add(w.at(i))
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}
