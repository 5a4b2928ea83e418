// Package refresh drives the periodic mirror cycle: fetch the roster, the
// account profile and every machine's score table, diff each table against
// the previous cycle, publish the new snapshot, then notify the bus.
//
// The Service is the only writer of the snapshot store. Cycles never
// overlap, and a failure on one machine never aborts the sweep.
package refresh
