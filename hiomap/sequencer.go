package hiomap

// sequencer allocates per-session sequence numbers. It starts at 1 and
// skips 0 on wraparound, per spec §3/§4.3. Commands are serialized (one
// outstanding command per session), so wraparound never collides with an
// in-flight request.
type sequencer struct {
	last uint8
}

func (s *sequencer) next() uint8 {
	s.last++
	if s.last == 0 {
		s.last = 1
	}
	return s.last
}
