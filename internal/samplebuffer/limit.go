package samplebuffer

import "fmt"

// Limit bounds what readers may see. Both the readable frontier and the end
// of stream only ever move forward, and the end never precedes the frontier.
type Limit struct {
	buf   *Buffer
	bof   int64
	limit int64
	eof   int64
}

// CreateLimit returns a limit starting at bof with nothing readable yet and
// an unbounded end.
func (b *Buffer) CreateLimit(bof int64) *Limit {
	return &Limit{buf: b, bof: bof, limit: bof, eof: Unbounded}
}

// UnboundedLimit returns a limit starting at bof that exposes everything
// written.
func (b *Buffer) UnboundedLimit(bof int64) *Limit {
	return &Limit{buf: b, bof: bof, limit: Unbounded, eof: Unbounded}
}

// BOF returns the fixed begin offset.
func (l *Limit) BOF() int64 {
	return l.bof
}

// Limit returns how far readers may currently read.
func (l *Limit) Limit() int64 {
	l.buf.mu.Lock()
	defer l.buf.mu.Unlock()
	return l.limit
}

// SetLimit moves the readable frontier forward.
func (l *Limit) SetLimit(offset int64) error {
	l.buf.mu.Lock()
	defer l.buf.mu.Unlock()
	if offset < l.limit {
		return fmt.Errorf("%w: limit %d before current %d", ErrInvalidPosition, offset, l.limit)
	}
	if offset > l.eof {
		return fmt.Errorf("%w: limit %d beyond end %d", ErrInvalidPosition, offset, l.eof)
	}
	if offset != l.limit {
		l.limit = offset
		l.buf.cond.Broadcast()
	}
	return nil
}

// EOF returns the logical end of stream, or Unbounded when not set.
func (l *Limit) EOF() int64 {
	l.buf.mu.Lock()
	defer l.buf.mu.Unlock()
	return l.eof
}

// SetEOF marks the logical end of stream. It may not precede the current
// frontier or an end that was already set.
func (l *Limit) SetEOF(offset int64) error {
	l.buf.mu.Lock()
	defer l.buf.mu.Unlock()
	if offset < l.limit {
		return fmt.Errorf("%w: end %d before limit %d", ErrInvalidPosition, offset, l.limit)
	}
	if l.eof != Unbounded && offset < l.eof {
		return fmt.Errorf("%w: end %d before current end %d", ErrInvalidPosition, offset, l.eof)
	}
	if offset != l.eof {
		l.eof = offset
		l.buf.cond.Broadcast()
	}
	return nil
}

// endLocked returns where readers stop for good. A closed buffer ends at its
// write position.
func (l *Limit) endLocked() int64 {
	if l.buf.closed {
		return min(l.eof, l.buf.position)
	}
	return l.eof
}

// readableLocked returns the highest offset readers may currently reach.
func (l *Limit) readableLocked() int64 {
	return min(l.limit, l.eof, l.buf.position)
}
