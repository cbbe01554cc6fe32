// Package async provides generic helpers for running work in the background
// and sharing its eventual result.
//
// Future is the handle for one computation started with Go. Memo layers
// single-flight semantics on top: concurrent callers of Memo.Do receive the
// same Future, successful results are reused, and failures are forgotten so
// the next attempt can retry. The OAuth services use Memo to make provider
// configuration idempotent under concurrent Initialize calls.
package async
