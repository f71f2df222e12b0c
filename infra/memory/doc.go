// Package memory watches the process resident set against a budget and
// provides typed object pools that can be dropped under pressure.
//
// The monitor classifies each sample as NORMAL, SOFT or HARD; the pipeline
// governor reacts to the level, the monitor itself never blocks producers.
package memory
