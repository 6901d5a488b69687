package inference

// Policy decides, per arriving pair, whether the model runs or the last mask
// is reused. With interval N > 0 the model runs on every Nth pair once a mask
// exists; before that every pair is submitted so the first mask arrives as
// early as possible. An interval of 0 or 1 runs the model on every pair.
type Policy struct {
	interval uint32
	since    uint32 // pairs since the last scheduled inference
	hasMask  bool
}

func NewPolicy(interval uint32) *Policy {
	return &Policy{interval: interval}
}

// Decide consumes one arrival and reports whether it should be submitted.
func (p *Policy) Decide() bool {
	p.since++
	if p.interval == 0 || p.since >= p.interval {
		p.since = 0
		return true
	}
	// Warm-up submissions do not restart the count.
	return !p.hasMask
}

// MaskReady records that a mask is available for reuse.
func (p *Policy) MaskReady() { p.hasMask = true }

func (p *Policy) Interval() uint32 { return p.interval }
