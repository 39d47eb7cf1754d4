// Package dispatch is the host half of the job protocol.
//
// A Dispatcher turns calls into job envelopes, tracks each in-flight job by
// its action+jobId pair and settles it when the sandbox answers with a
// status envelope.
//
// Status handling:
//   - resolve settles the job with its payload
//   - reject settles the job with a *JobError and reports it to the reject sink
//   - progress is forwarded with the caller's job id merged in; the job stays
//     in flight
//
// Ids default to a per-dispatcher "Job-<n>" counter. Callers may supply their
// own; a second submission of the same action and id while the first is in
// flight fails with pending.ErrDuplicate.
//
// Close rejects every in-flight job, so no caller waits on a terminated
// worker.
package dispatch
