// Package log provides structured logging for vaultkeeper using zerolog.
//
// A single global Logger is configured once via Init and specialized per
// call site with WithComponent/WithService/WithContainer/WithArchive,
// which attach a field and return a child logger; cheap enough to call
// per pipeline stage. Output is either JSON (LOG_FORMAT=json) or a
// console-friendly writer; level is set globally via Init and also
// gates zerolog's own no-op fast path for disabled levels.
package log
