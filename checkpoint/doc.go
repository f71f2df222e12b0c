// Package checkpoint persists engine state so a pipeline can resume after a
// crash without reprocessing from the beginning.
//
// Every checkpoint is an immutable file written to a temporary name, synced
// and renamed into place. Files are framed and checksummed; recovery walks
// them newest first and takes the first one that validates.
package checkpoint
