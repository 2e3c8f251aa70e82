// SPDX-License-Identifier: MIT

package amcp

// Batch is an ordered list of command lines framed by a DEFER/RESUME
// envelope. The remote engine applies every command inside the envelope
// atomically, in a single render cycle; this is the sole mechanism the
// protocol offers for layer-swap atomicity (C3 in the design notes).
type Batch struct {
	addr     string
	commands []string
	raw      bool
}

// NewBatch starts an empty batch bound to one connection address. All
// commands appended to it must target that same (host, port); the builder
// never mixes slots that target different connections into one batch.
func NewBatch(addr string) *Batch {
	return &Batch{addr: addr}
}

// NewQuery builds a single-command batch that is sent without a
// DEFER/RESUME envelope. Query commands (CALL ... FRAME) carry no
// render-cycle atomicity requirement; wrapping them would only cost an
// extra round trip per sample on the drift controller's hot path.
func NewQuery(addr, line string) *Batch {
	return &Batch{addr: addr, commands: []string{line}, raw: true}
}

// Addr returns the (host, port) address this batch targets.
func (b *Batch) Addr() string {
	return b.addr
}

// Add appends one or more command lines to the batch in order.
func (b *Batch) Add(lines ...string) {
	b.commands = append(b.commands, lines...)
}

// Len returns the number of commands queued so far (excluding the
// DEFER/RESUME envelope).
func (b *Batch) Len() int {
	return len(b.commands)
}

// Empty reports whether the batch has no commands.
func (b *Batch) Empty() bool {
	return len(b.commands) == 0
}

// Lines returns the full wire representation of the batch: DEFER, every
// queued command in submission order, then RESUME. An empty batch renders
// as no lines at all — there is nothing useful to defer.
func (b *Batch) Lines() []string {
	if b.Empty() {
		return nil
	}
	if b.raw {
		return append([]string(nil), b.commands...)
	}
	lines := make([]string, 0, len(b.commands)+2)
	lines = append(lines, "DEFER")
	lines = append(lines, b.commands...)
	lines = append(lines, "RESUME")
	return lines
}
