// Package decision implements the pure decision engine that maps a
// point-in-time observation of the venue plus operator risk configuration to
// exactly one action out of a closed set. It performs no I/O and keeps no
// state; everything it needs arrives in the DecisionContext.
package decision
