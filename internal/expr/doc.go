// Package expr implements the restricted condition language used by scenario
// files: numeric comparisons and boolean combinators over named state
// variables.
//
// Expressions are compiled once, when a scenario is loaded. Compilation
// resolves every identifier against the scenario's variable schema and type
// checks the tree, so a compiled Expr can never fail at evaluation time.
// Evaluation has no side effects and runs in time linear in the size of the
// tree.
//
//	oxygen <= 0
//	trust >= 40 && !door_open
//	(power - 10) * 2 > hull or alarm
package expr
