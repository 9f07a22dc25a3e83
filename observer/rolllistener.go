package observer

// RollListener implements wal.RollListener with two optional callbacks. It
// is not part of the fixed Hooks taxonomy and holds no Chain: WAL roll is
// node-scoped, not region-scoped, so a roll reaches only these callbacks,
// never the observers registered on a Chain.
type RollListener struct {
	OnPreRoll  func(oldFileNumber, newFileNumber uint64)
	OnPostRoll func(oldFileNumber, newFileNumber uint64)
}

// PreLogRoll implements wal.RollListener.
func (l *RollListener) PreLogRoll(oldFileNumber, newFileNumber uint64) {
	if l.OnPreRoll != nil {
		l.OnPreRoll(oldFileNumber, newFileNumber)
	}
}

// PostLogRoll implements wal.RollListener.
func (l *RollListener) PostLogRoll(oldFileNumber, newFileNumber uint64) {
	if l.OnPostRoll != nil {
		l.OnPostRoll(oldFileNumber, newFileNumber)
	}
}
