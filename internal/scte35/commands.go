package scte35

// SpliceNull is the heartbeat command.
type SpliceNull struct{}

func (*SpliceNull) Type() uint8       { return SpliceNullType }
func (*SpliceNull) decode(*bitReader) {}
func (*SpliceNull) encode(*bitWriter) {}

// UnknownCommand preserves a command this package does not interpret.
type UnknownCommand struct {
	CommandType uint8
	Data        []byte
}

func (c *UnknownCommand) Type() uint8         { return c.CommandType }
func (c *UnknownCommand) decode(*bitReader)   {}
func (c *UnknownCommand) encode(w *bitWriter) { w.putBytes(c.Data) }

// TimeSignal carries an optional splice time.
type TimeSignal struct {
	PTSTime *uint64
}

func (*TimeSignal) Type() uint8 { return TimeSignalType }

func (c *TimeSignal) decode(r *bitReader) { c.PTSTime = readSpliceTime(r) }

func (c *TimeSignal) encode(w *bitWriter) { writeSpliceTime(w, c.PTSTime) }

func readSpliceTime(r *bitReader) *uint64 {
	if !r.flag() {
		r.skip(7)
		return nil
	}
	r.skip(6)
	pts := r.bits(33)
	return &pts
}

func writeSpliceTime(w *bitWriter, pts *uint64) {
	if pts == nil {
		w.put(1, 0)
		w.reserved(7)
		return
	}
	w.put(1, 1)
	w.reserved(6)
	w.put(33, *pts)
}

// BreakDuration is the length of a splice_insert break in 90 kHz ticks.
type BreakDuration struct {
	AutoReturn bool
	Duration   uint64
}

// SpliceInsert signals an out-of-network or return splice point. Only
// program-level splices carry PTSTime; component splices are read but their
// per-component times are discarded.
type SpliceInsert struct {
	SpliceEventID              uint32
	SpliceEventCancelIndicator bool
	OutOfNetworkIndicator      bool
	SpliceImmediateFlag        bool
	PTSTime                    *uint64
	BreakDuration              *BreakDuration
	UniqueProgramID            uint16
	AvailNum                   uint8
	AvailsExpected             uint8
}

func (*SpliceInsert) Type() uint8 { return SpliceInsertType }

func (c *SpliceInsert) decode(r *bitReader) {
	c.SpliceEventID = uint32(r.bits(32))
	c.SpliceEventCancelIndicator = r.flag()
	r.skip(7)
	if c.SpliceEventCancelIndicator {
		return
	}
	c.OutOfNetworkIndicator = r.flag()
	program := r.flag()
	hasDuration := r.flag()
	c.SpliceImmediateFlag = r.flag()
	r.skip(4)

	switch {
	case program && !c.SpliceImmediateFlag:
		c.PTSTime = readSpliceTime(r)
	case !program:
		for range r.bits(8) {
			r.skip(8) // component_tag
			if !c.SpliceImmediateFlag {
				readSpliceTime(r)
			}
		}
	}
	if hasDuration {
		c.BreakDuration = &BreakDuration{AutoReturn: r.flag()}
		r.skip(6)
		c.BreakDuration.Duration = r.bits(33)
	}
	c.UniqueProgramID = uint16(r.bits(16))
	c.AvailNum = uint8(r.bits(8))
	c.AvailsExpected = uint8(r.bits(8))
}

// encode writes a program splice when PTSTime is set or the splice is
// immediate, and a zero-component splice otherwise.
func (c *SpliceInsert) encode(w *bitWriter) {
	w.put(32, uint64(c.SpliceEventID))
	w.putFlag(c.SpliceEventCancelIndicator)
	w.reserved(7)
	if c.SpliceEventCancelIndicator {
		return
	}
	program := c.PTSTime != nil
	w.putFlag(c.OutOfNetworkIndicator)
	w.putFlag(program)
	w.putFlag(c.BreakDuration != nil)
	w.putFlag(c.SpliceImmediateFlag)
	w.reserved(4)

	switch {
	case program && !c.SpliceImmediateFlag:
		writeSpliceTime(w, c.PTSTime)
	case !program:
		w.put(8, 0) // component_count
	}
	if c.BreakDuration != nil {
		w.putFlag(c.BreakDuration.AutoReturn)
		w.reserved(6)
		w.put(33, c.BreakDuration.Duration)
	}
	w.put(16, uint64(c.UniqueProgramID))
	w.put(8, uint64(c.AvailNum))
	w.put(8, uint64(c.AvailsExpected))
}
